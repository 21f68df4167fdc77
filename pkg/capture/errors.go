package capture

import (
	"errors"
	"fmt"
	"io"
)

// Sentinel errors classifying source failures.
var (
	// ErrSourceOpen is returned when a source cannot be opened at all.
	// It is terminal and surfaces to the caller that asked for the start.
	ErrSourceOpen = errors.New("capture: cannot open source")

	// ErrSourceRead is a transient read failure; the worker retries it.
	ErrSourceRead = errors.New("capture: read failed")

	// ErrSourceExhausted means the source has no more frames (end of file,
	// closed stream). It is terminal.
	ErrSourceExhausted = errors.New("capture: source exhausted")

	// ErrNoOpener is returned by Router when no opener accepts a spec.
	ErrNoOpener = errors.New("capture: no opener for source")
)

// SourceError attaches the source spec and operation to a failure.
type SourceError struct {
	Spec string
	Op   string // "open" or "read"
	Kind error  // one of the sentinel errors above
	Err  error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture [%s] %s: %v", e.Spec, e.Op, e.Kind)
	}
	return fmt.Sprintf("capture [%s] %s: %v: %v", e.Spec, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// OpenError wraps err as a terminal open failure for spec.
func OpenError(spec string, err error) error {
	return &SourceError{Spec: spec, Op: "open", Kind: ErrSourceOpen, Err: err}
}

// ReadError wraps err as a transient read failure for spec.
func ReadError(spec string, err error) error {
	return &SourceError{Spec: spec, Op: "read", Kind: ErrSourceRead, Err: err}
}

// Exhausted returns the terminal end-of-stream error for spec.
func Exhausted(spec string) error {
	return &SourceError{Spec: spec, Op: "read", Kind: ErrSourceExhausted, Err: io.EOF}
}

// IsTerminal reports whether err should stop a capture worker.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrSourceExhausted) ||
		errors.Is(err, ErrSourceOpen) ||
		errors.Is(err, io.EOF)
}
