package pipeline

import (
	"errors"
	"fmt"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/registration"
)

// Processing error kinds. Match with errors.Is.
var (
	ErrEmptyInput         = errors.New("empty cloud")
	ErrRegistrationFailed = registration.ErrRegistrationFailed
	ErrTimeout            = registration.ErrTimeout
	ErrStagePanic         = errors.New("stage panicked")
	// ErrNoFrame is returned by ResetReference before any frame was
	// processed.
	ErrNoFrame = errors.New("no processed frame to promote")
)

// ProcessingError is a per-frame failure. It never stops a worker.
type ProcessingError struct {
	Kind error
	Ref  frame.FrameRef
	Err  error
}

func (e *ProcessingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Ref, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Ref, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *ProcessingError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
