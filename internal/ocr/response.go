package ocr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Shape names the response layout the worker answered with.
type Shape string

const (
	ShapeText  Shape = "text"
	ShapePages Shape = "pages"
	ShapeTexts Shape = "texts"
)

// Extraction is the normalized result of a worker call.
type Extraction struct {
	Text        string          `json:"text"`
	Markdown    string          `json:"markdown,omitempty"`
	HasMarkdown bool            `json:"hasMarkdown"`
	Shape       Shape           `json:"shape"`
	Raw         json.RawMessage `json:"-"`
}

// workerResponse covers every layout the worker has used. Fields are raw so
// presence can be told apart from a wrong JSON type.
type workerResponse struct {
	Text     json.RawMessage `json:"text"`
	Markdown json.RawMessage `json:"markdown"`
	Pages    json.RawMessage `json:"pages"`
	Texts    json.RawMessage `json:"texts"`
}

type workerPage struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

// Normalize decodes a worker response body into an Extraction.
// Fields are tried in order: text, pages, texts. The first one that is
// present and carries non-blank text wins.
func Normalize(raw []byte) (*Extraction, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newError(KindMalformedResponse, "response is not a JSON object", nil)
	}

	var resp workerResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, newError(KindMalformedResponse, "decode response", err)
	}

	var blank Shape
	for _, shape := range []Shape{ShapeText, ShapePages, ShapeTexts} {
		text, markdown, ok, err := resp.decode(shape)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if strings.TrimSpace(text) == "" {
			if blank == "" {
				blank = shape
			}
			continue
		}
		return &Extraction{
			Text:        text,
			Markdown:    markdown,
			HasMarkdown: strings.TrimSpace(markdown) != "",
			Shape:       shape,
			Raw:         json.RawMessage(append([]byte(nil), trimmed...)),
		}, nil
	}

	if blank == "" {
		return nil, newError(KindEmptyExtraction, "no text, pages or texts field", nil)
	}
	return nil, newError(KindEmptyExtraction, fmt.Sprintf("blank %s result", blank), nil)
}

// decode reads the field backing shape. ok is false when the field is absent.
func (r *workerResponse) decode(shape Shape) (text, markdown string, ok bool, err error) {
	switch shape {
	case ShapeText:
		if !present(r.Text) {
			return "", "", false, nil
		}
		if err := decodeField("text", r.Text, &text); err != nil {
			return "", "", false, err
		}
		if present(r.Markdown) {
			if err := decodeField("markdown", r.Markdown, &markdown); err != nil {
				return "", "", false, err
			}
		}
		return text, markdown, true, nil

	case ShapePages:
		if !present(r.Pages) {
			return "", "", false, nil
		}
		var pages []workerPage
		if err := decodeField("pages", r.Pages, &pages); err != nil {
			return "", "", false, err
		}
		texts := make([]string, 0, len(pages))
		markdowns := make([]string, 0, len(pages))
		for _, p := range pages {
			texts = append(texts, p.Text)
			if p.Markdown != "" {
				markdowns = append(markdowns, p.Markdown)
			}
		}
		return strings.Join(texts, "\n\n"), strings.Join(markdowns, "\n\n"), true, nil

	case ShapeTexts:
		if !present(r.Texts) {
			return "", "", false, nil
		}
		var fragments []string
		if err := decodeField("texts", r.Texts, &fragments); err != nil {
			return "", "", false, err
		}
		kept := make([]string, 0, len(fragments))
		for _, f := range fragments {
			if f = strings.TrimSpace(f); f != "" {
				kept = append(kept, f)
			}
		}
		return strings.Join(kept, "\n"), "", true, nil
	}
	return "", "", false, nil
}

func present(field json.RawMessage) bool {
	return len(field) > 0 && !bytes.Equal(field, []byte("null"))
}

func decodeField(name string, field json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(field, v); err != nil {
		return newError(KindMalformedResponse, "field "+name+" has unexpected type", err)
	}
	return nil
}
