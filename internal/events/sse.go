package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// WriteEvent writes ev in text/event-stream framing. Events with a zero ID
// carry no id line so they never move a client's Last-Event-ID.
func WriteEvent(w io.Writer, ev Event) error {
	var buf bytes.Buffer
	if ev.ID > 0 {
		fmt.Fprintf(&buf, "id: %d\n", ev.ID)
	}
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)

	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	// Compact JSON never contains a raw newline, so one data line suffices.
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("compact event data: %w", err)
	}
	buf.WriteString("data: ")
	buf.Write(compact.Bytes())
	buf.WriteString("\n\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// Decoder reads events from a text/event-stream body.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	return &Decoder{scanner: scanner}
}

// Next returns the next complete event. It returns io.EOF when the stream ends.
func (d *Decoder) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if !hasData && ev.Type == "" {
				continue
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = json.RawMessage(strings.Join(data, "\n"))
			ev.Timestamp = time.Now().UTC()
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			if id, err := strconv.ParseUint(value, 10, 64); err == nil {
				ev.ID = id
			}
		case "event":
			ev.Type = Type(value)
		case "data":
			data = append(data, value)
			hasData = true
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
