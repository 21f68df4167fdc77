package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/camfleet/pkg/frame"
)

// State is a capture worker's lifecycle stage.
type State int32

const (
	Created State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle is the registry's record of one capture worker.
type Handle struct {
	id      string
	runID   string
	source  string
	started time.Time

	buffers *frame.Pair
	cancel  context.CancelFunc
	done    chan struct{}

	state atomic.Int32
	stats Stats
}

// Stats are per-worker counters, updated by the worker goroutine.
type Stats struct {
	Frames          atomic.Uint64
	ReadErrors      atomic.Uint64
	DetectionErrors atomic.Uint64
	LastSeq         atomic.Uint64
}

func newHandle(id, source string, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:      id,
		runID:   uuid.NewString(),
		source:  source,
		started: time.Now(),
		buffers: frame.NewPair(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the camera id.
func (h *Handle) ID() string { return h.id }

// RunID identifies this particular run of the camera.
func (h *Handle) RunID() string { return h.runID }

// Source returns the source spec the worker was started with.
func (h *Handle) Source() string { return h.source }

// State returns the worker's current state.
func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Buffer returns the camera's buffer for ch, or nil for an unknown channel.
func (h *Handle) Buffer(ch frame.Channel) *frame.Buffer { return h.buffers.Get(ch) }

// Done is closed once the worker goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats exposes the worker's counters.
func (h *Handle) Stats() *Stats { return &h.stats }

// HandleInfo is a JSON-friendly snapshot of a handle.
type HandleInfo struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	Source          string    `json:"source"`
	State           string    `json:"state"`
	Started         time.Time `json:"started"`
	Frames          uint64    `json:"frames"`
	LastSeq         uint64    `json:"last_seq"`
	ReadErrors      uint64    `json:"read_errors"`
	DetectionErrors uint64    `json:"detection_errors"`
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() HandleInfo {
	return HandleInfo{
		ID:              h.id,
		RunID:           h.runID,
		Source:          h.source,
		State:           h.State().String(),
		Started:         h.started,
		Frames:          h.stats.Frames.Load(),
		LastSeq:         h.stats.LastSeq.Load(),
		ReadErrors:      h.stats.ReadErrors.Load(),
		DetectionErrors: h.stats.DetectionErrors.Load(),
	}
}
