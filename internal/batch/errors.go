package batch

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a batch is submitted while another is running.
var ErrConflict = errors.New("a batch is already running")

// ValidationError rejects a submission before any state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ControllerFault is an unexpected failure that ended a batch as failed.
type ControllerFault struct {
	SessionID string
	Err       error
}

func (e *ControllerFault) Error() string {
	return fmt.Sprintf("batch %s failed: %v", e.SessionID, e.Err)
}

func (e *ControllerFault) Unwrap() error { return e.Err }

// errItemCancelled ends the loop after an in-flight worker call was aborted.
var errItemCancelled = errors.New("item cancelled")
