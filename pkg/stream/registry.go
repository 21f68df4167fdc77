// Package stream owns the per-camera capture workers. The Registry enforces
// at most one worker per camera id and hands out each camera's frame buffers
// to readers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/frame"
)

var (
	// ErrInvalidCameraID is returned by Start for an empty id.
	ErrInvalidCameraID = errors.New("stream: camera id required")

	// ErrClosed is returned by Start once StopAll has been called.
	ErrClosed = errors.New("stream: registry closed")

	// ErrStartAborted is returned by Start when the camera was stopped
	// while its source was opening.
	ErrStartAborted = errors.New("stream: stopped while starting")
)

// StartResult is the non-error outcome of Start.
type StartResult int

const (
	Started StartResult = iota + 1
	AlreadyRunning
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already running"
	}
	return "unknown"
}

// StopResult is the outcome of Stop.
type StopResult int

const (
	Stopped StopResult = iota + 1
	NotRunning
)

func (r StopResult) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case NotRunning:
		return "not running"
	}
	return "unknown"
}

// Notifier receives one call per annotated frame.
type Notifier interface {
	Emit(cameraID string, count int, seq uint64)
}

// Metrics observes worker activity. All methods must be safe for concurrent use.
type Metrics interface {
	WorkerStarted(cameraID string)
	WorkerStopped(cameraID, reason string)
	FrameCaptured(cameraID string, latency time.Duration)
	ReadFailed(cameraID string)
	DetectionFailed(cameraID string)
}

// Options configures a Registry.
type Options struct {
	Opener   capture.Opener
	Detector detection.Detector
	Notifier Notifier
	Metrics  Metrics
	Logger   *slog.Logger

	// Camera supplies capture settings for newly started sources.
	Camera *camera.Manager

	// MaxReadFailures is the number of consecutive transient read failures
	// after which a worker gives up.
	MaxReadFailures int
	// RetryDelay is the pause between failed reads.
	RetryDelay time.Duration
}

const (
	DefaultMaxReadFailures = 5
	DefaultRetryDelay      = 100 * time.Millisecond
)

// Registry maps camera ids to running capture workers.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	wg sync.WaitGroup
}

// NewRegistry creates a registry. Opener is required; a nil Detector
// defaults to detection.NewMock, which reports no objects.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Opener == nil {
		return nil, errors.New("stream: opener required")
	}
	if opts.Detector == nil {
		opts.Detector = detection.NewMock()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Camera == nil {
		opts.Camera = camera.NewManager(camera.DefaultConfig())
	}
	if opts.MaxReadFailures <= 0 {
		opts.MaxReadFailures = DefaultMaxReadFailures
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		opts:    opts,
		logger:  logger.With("component", "stream"),
		handles: make(map[string]*Handle),
	}, nil
}

// Start launches a worker for id reading from spec. It returns AlreadyRunning
// if a worker for id exists, an error wrapping capture.ErrSourceOpen if the
// source cannot be opened, and ErrStartAborted if id was stopped before the
// open finished. ctx bounds only the wait for the open; the
// worker itself runs until Stop or until its source ends.
func (r *Registry) Start(ctx context.Context, id, spec string) (StartResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, ErrInvalidCameraID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	if _, ok := r.handles[id]; ok {
		r.mu.Unlock()
		return AlreadyRunning, nil
	}
	wctx, cancel := context.WithCancel(context.Background())
	h := newHandle(id, spec, cancel)
	r.handles[id] = h
	r.wg.Add(1)
	r.mu.Unlock()

	ready := make(chan error, 1)
	go r.run(wctx, h, ready)

	select {
	case err := <-ready:
		if err != nil {
			return 0, err
		}
		if cur, ok := r.Lookup(id); !ok || cur != h {
			return 0, fmt.Errorf("%w: %s", ErrStartAborted, id)
		}
		r.logger.Info("stream started", "camera", id, "source", spec, "run_id", h.runID)
		return Started, nil
	case <-ctx.Done():
		r.stopHandle(h)
		return 0, fmt.Errorf("stream: start %s: %w", id, ctx.Err())
	}
}

// Stop removes id's worker and signals it to exit. It does not wait for the
// worker goroutine; once Stop returns, no newer frame for id can be read.
func (r *Registry) Stop(id string) (StopResult, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()

	if !ok {
		return NotRunning, nil
	}
	h.buffers.Seal()
	h.cancel()
	r.logger.Info("stream stopped", "camera", id, "run_id", h.runID)
	return Stopped, nil
}

// stopHandle stops h only if it is still the registered handle for its id.
func (r *Registry) stopHandle(h *Handle) {
	r.remove(h)
	h.buffers.Seal()
	h.cancel()
}

// remove deletes h from the map if the map still holds h.
func (r *Registry) remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.id]; ok && cur == h {
		delete(r.handles, h.id)
		return true
	}
	return false
}

// List returns the ids of all registered workers, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Lookup returns the handle registered for id.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Buffer returns the buffer for (id, ch) of a registered camera.
func (r *Registry) Buffer(id string, ch frame.Channel) (*frame.Buffer, bool) {
	h, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	b := h.Buffer(ch)
	return b, b != nil
}

// Info returns snapshots of all registered handles, sorted by id.
func (r *Registry) Info() []HandleInfo {
	r.mu.Lock()
	infos := make([]HandleInfo, 0, len(r.handles))
	for _, h := range r.handles {
		infos = append(infos, h.Info())
	}
	r.mu.Unlock()
	slices.SortFunc(infos, func(a, b HandleInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// StopAll stops every worker and refuses further starts.
func (r *Registry) StopAll() {
	r.mu.Lock()
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.buffers.Seal()
		h.cancel()
	}
	if len(handles) > 0 {
		r.logger.Info("all streams stopped", "count", len(handles))
	}
}

// Wait blocks until every worker goroutine has exited or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopMetrics struct{}

func (nopMetrics) WorkerStarted(string)                {}
func (nopMetrics) WorkerStopped(string, string)        {}
func (nopMetrics) FrameCaptured(string, time.Duration) {}
func (nopMetrics) ReadFailed(string)                   {}
func (nopMetrics) DetectionFailed(string)              {}
