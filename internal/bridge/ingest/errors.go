package ingest

import (
	"errors"
	"fmt"
)

// Error kinds returned by the bridge. Use errors.Is to classify an
// *IngestError.
var (
	ErrMalformed    = errors.New("malformed sample")
	ErrStale        = errors.New("stale sample")
	ErrQueueFull    = errors.New("ingest queue full")
	ErrShuttingDown = errors.New("ingest bridge shutting down")
)

// IngestError describes why a sample was not accepted.
type IngestError struct {
	Kind     error
	SourceID string
	Sequence uint64
	Reason   string
}

func (e *IngestError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v (source=%q seq=%d)", e.Kind, e.SourceID, e.Sequence)
	}
	return fmt.Sprintf("%v: %s (source=%q seq=%d)", e.Kind, e.Reason, e.SourceID, e.Sequence)
}

// Unwrap returns the error kind.
func (e *IngestError) Unwrap() error { return e.Kind }

func malformed(raw *RawSample, format string, args ...any) *IngestError {
	e := &IngestError{Kind: ErrMalformed, Reason: fmt.Sprintf(format, args...)}
	if raw != nil {
		e.SourceID, e.Sequence = raw.SourceID, raw.Sequence
	}
	return e
}
