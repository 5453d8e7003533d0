package ocr

import (
	"errors"
	"fmt"
)

// Kind classifies a worker failure.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindUnreachable       Kind = "unreachable"
	KindEmptyExtraction   Kind = "empty_extraction"
	KindMalformedResponse Kind = "malformed_response"
	KindCancelled         Kind = "cancelled"
)

// Sentinels for errors.Is matching on a WorkerError kind.
var (
	ErrTimeout           = &WorkerError{Kind: KindTimeout}
	ErrUnreachable       = &WorkerError{Kind: KindUnreachable}
	ErrEmptyExtraction   = &WorkerError{Kind: KindEmptyExtraction}
	ErrMalformedResponse = &WorkerError{Kind: KindMalformedResponse}
	ErrCancelled         = &WorkerError{Kind: KindCancelled}
)

// WorkerError is returned for every failed worker call.
type WorkerError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *WorkerError) Error() string {
	msg := "ocr worker: " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Is matches any WorkerError with the same kind.
func (e *WorkerError) Is(target error) bool {
	t, ok := target.(*WorkerError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not a WorkerError.
func KindOf(err error) Kind {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

func newError(kind Kind, msg string, err error) *WorkerError {
	return &WorkerError{Kind: kind, Message: msg, Err: err}
}
