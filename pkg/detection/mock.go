package detection

import (
	"context"
	"errors"
	"sync"

	"github.com/teslashibe/camfleet/pkg/frame"
)

// errMockFailure is returned for calls listed in Mock.FailOn.
var errMockFailure = errors.New("mock failure")

// Mock implements Detector for testing and for running without a model.
type Mock struct {
	// InferFunc overrides the default behaviour when set.
	InferFunc func(ctx context.Context, f *frame.Frame) (*frame.Frame, int, error)

	// Objects are reported on every frame by the default behaviour.
	Objects []Detection

	// Classes restricts the count; defaults to people.
	Classes []string

	// FailOn lists 1-based call numbers that return an ErrInference error.
	FailOn map[int]bool

	mu     sync.Mutex
	calls  int
	closed bool
}

// NewMock creates a mock that sees nothing.
func NewMock() *Mock {
	return &Mock{FailOn: make(map[int]bool)}
}

// Infer implements Detector.
func (m *Mock) Infer(ctx context.Context, f *frame.Frame) (*frame.Frame, int, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	fail := m.FailOn[n]
	m.mu.Unlock()

	if fail {
		return nil, 0, InferenceError(errMockFailure)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if m.InferFunc != nil {
		return m.InferFunc(ctx, f)
	}
	if err := f.Validate(); err != nil {
		return nil, 0, InferenceError(err)
	}

	classes := m.Classes
	if len(classes) == 0 {
		classes = []string{"person"}
	}
	count := Count(m.Objects, classes)
	return Annotate(f, m.Objects, count), count, nil
}

// Calls returns the number of Infer invocations.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Close implements Detector.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
