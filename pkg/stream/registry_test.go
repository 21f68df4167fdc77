package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/frame"
)

const waitFor = 2 * time.Second

type recordingNotifier struct {
	mu     sync.Mutex
	counts map[string][]int
}

func (n *recordingNotifier) Emit(cameraID string, count int, _ uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.counts == nil {
		n.counts = make(map[string][]int)
	}
	n.counts[cameraID] = append(n.counts[cameraID], count)
}

func (n *recordingNotifier) emitted(cameraID string) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.counts[cameraID]...)
}

func newTestRegistry(t *testing.T, mutate func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Opener: capture.NewRouter(nil),
		Camera: camera.NewManager(camera.Config{
			Width:     32,
			Height:    24,
			Framerate: 200,
			Quality:   80,
		}),
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRegistry(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		r.StopAll()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Wait(ctx)
	})
	return r
}

func latest(t *testing.T, h *Handle, ch frame.Channel) *frame.Frame {
	t.Helper()
	f, _ := h.Buffer(ch).Read()
	return f
}

func TestNewRegistry_RequiresOpener(t *testing.T) {
	_, err := NewRegistry(Options{})
	assert.Error(t, err)
}

func TestStart_InvalidID(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.Start(context.Background(), "  ", "testpattern")
	assert.ErrorIs(t, err, ErrInvalidCameraID)
}

func TestStart_ConcurrentSameID(t *testing.T) {
	r := newTestRegistry(t, nil)

	const callers = 16
	results := make(chan StartResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Start(context.Background(), "cam1", "testpattern")
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	started, already := 0, 0
	for res := range results {
		switch res {
		case Started:
			started++
		case AlreadyRunning:
			already++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, []string{"cam1"}, r.List())
}

func TestStart_TwiceSequential(t *testing.T) {
	r := newTestRegistry(t, nil)

	res, err := r.Start(context.Background(), "cam1", "testpattern")
	require.NoError(t, err)
	assert.Equal(t, Started, res)

	res, err = r.Start(context.Background(), "cam1", "testpattern")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, res)
	assert.Equal(t, []string{"cam1"}, r.List())
}

func TestStop_NotRunning(t *testing.T) {
	r := newTestRegistry(t, nil)
	res, err := r.Stop("ghost")
	assert.NoError(t, err)
	assert.Equal(t, NotRunning, res)
}

func TestStart_OpenFailure(t *testing.T) {
	r := newTestRegistry(t, func(o *Options) {
		o.Opener = capture.OpenerFunc(func(context.Context, string, camera.Config) (capture.Source, error) {
			return nil, errors.New("no such device")
		})
	})

	_, err := r.Start(context.Background(), "cam1", "/dev/video9")
	assert.ErrorIs(t, err, capture.ErrSourceOpen)
	assert.Empty(t, r.List())
}

func TestTestPattern_FramesFlowToBothChannels(t *testing.T) {
	n := &recordingNotifier{}
	r := newTestRegistry(t, func(o *Options) { o.Notifier = n })

	_, err := r.Start(context.Background(), "cam1", "testpattern")
	require.NoError(t, err)
	h, ok := r.Lookup("cam1")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return latest(t, h, frame.Annotated) != nil
	}, waitFor, 5*time.Millisecond)

	raw := latest(t, h, frame.Raw)
	require.NotNil(t, raw)
	assert.Equal(t, "cam1", raw.CameraID)
	assert.NoError(t, raw.Validate())

	ann := latest(t, h, frame.Annotated)
	assert.Equal(t, 0, ann.Detections, "colour bars contain no people")
	assert.Equal(t, Running, h.State())

	emitted := n.emitted("cam1")
	require.NotEmpty(t, emitted)
	for _, c := range emitted {
		assert.Equal(t, 0, c)
	}
}

func TestStop_NoNewerFrameAfterStop(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Start(context.Background(), "cam1", "testpattern://?fps=0")
	require.NoError(t, err)
	h, _ := r.Lookup("cam1")

	require.Eventually(t, func() bool {
		return h.Stats().Frames.Load() > 10
	}, waitFor, time.Millisecond)

	res, err := r.Stop("cam1")
	require.NoError(t, err)
	require.Equal(t, Stopped, res)

	raw := latest(t, h, frame.Raw)
	ann := latest(t, h, frame.Annotated)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}

	assert.Same(t, raw, latest(t, h, frame.Raw))
	assert.Same(t, ann, latest(t, h, frame.Annotated))
	assert.True(t, h.Buffer(frame.Raw).Sealed())
	assert.Equal(t, Terminated, h.State())

	_, ok := r.Buffer("cam1", frame.Raw)
	assert.False(t, ok)
	assert.Empty(t, r.List())
}

func TestDetectionError_WorkerContinues(t *testing.T) {
	det := detection.NewMock()
	det.FailOn[2] = true
	r := newTestRegistry(t, func(o *Options) { o.Detector = det })

	_, err := r.Start(context.Background(), "cam1", "testpattern")
	require.NoError(t, err)
	h, _ := r.Lookup("cam1")

	require.Eventually(t, func() bool {
		f := latest(t, h, frame.Annotated)
		return f != nil && f.Seq > 2
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, uint64(1), h.Stats().DetectionErrors.Load())
	assert.Equal(t, Running, h.State())
	assert.Contains(t, r.List(), "cam1")
}

func TestSourceEOF_SelfRemoves(t *testing.T) {
	r := newTestRegistry(t, nil)

	_, err := r.Start(context.Background(), "cam1", "testpattern://?frames=5&fps=50")
	require.NoError(t, err)
	h, _ := r.Lookup("cam1")

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not terminate at end of source")
	}

	assert.Equal(t, Terminated, h.State())
	assert.Empty(t, r.List())
	assert.Equal(t, uint64(5), h.Stats().Frames.Load())

	f := latest(t, h, frame.Raw)
	require.NotNil(t, f)
	assert.Equal(t, uint64(5), f.Seq)
}

func TestReadFailures(t *testing.T) {
	tests := []struct {
		name       string
		spec       string
		terminates bool
	}{
		{"transient failures are retried", "testpattern://?fps=0&frames=4&fail=1,2", false},
		{"consecutive failures are terminal", "testpattern://?fps=0&fail=1,2,3", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(t, func(o *Options) {
				o.MaxReadFailures = 3
				o.RetryDelay = 20 * time.Millisecond
			})

			_, err := r.Start(context.Background(), "cam1", tc.spec)
			require.NoError(t, err)
			h, _ := r.Lookup("cam1")

			select {
			case <-h.Done():
			case <-time.After(waitFor):
				t.Fatal("worker did not terminate")
			}

			if tc.terminates {
				assert.Equal(t, uint64(0), h.Stats().Frames.Load())
				assert.Equal(t, uint64(3), h.Stats().ReadErrors.Load())
			} else {
				// frames=4 ends the source after four good frames.
				assert.Equal(t, uint64(4), h.Stats().Frames.Load())
			}
			assert.Empty(t, r.List())
		})
	}
}

// gatedSource blocks every read until release is closed, then reports EOF.
// With stubborn set it ignores cancellation, like a hung device read.
type gatedSource struct {
	release  chan struct{}
	stubborn bool
}

func (s *gatedSource) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	if s.stubborn {
		<-s.release
		return nil, capture.Exhausted("gated")
	}
	select {
	case <-s.release:
		return nil, capture.Exhausted("gated")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatedSource) Close() error { return nil }

func TestRestart_OldWorkerDoesNotEvictNewOne(t *testing.T) {
	first := &gatedSource{release: make(chan struct{}), stubborn: true}
	calls := 0
	var mu sync.Mutex

	r := newTestRegistry(t, func(o *Options) {
		router := capture.NewRouter(nil)
		router.Handle("gated", capture.OpenerFunc(func(context.Context, string, camera.Config) (capture.Source, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return first, nil
			}
			return &gatedSource{release: make(chan struct{})}, nil
		}))
		o.Opener = router
	})

	_, err := r.Start(context.Background(), "cam1", "gated")
	require.NoError(t, err)
	h1, _ := r.Lookup("cam1")

	_, err = r.Stop("cam1")
	require.NoError(t, err)

	_, err = r.Start(context.Background(), "cam1", "gated")
	require.NoError(t, err)
	h2, _ := r.Lookup("cam1")
	require.NotSame(t, h1, h2)
	assert.NotEqual(t, h1.RunID(), h2.RunID())

	close(first.release)
	select {
	case <-h1.Done():
	case <-time.After(waitFor):
		t.Fatal("first worker did not exit")
	}

	cur, ok := r.Lookup("cam1")
	require.True(t, ok)
	assert.Same(t, h2, cur)
	assert.False(t, h2.Buffer(frame.Raw).Sealed())
}

func TestStart_StoppedDuringOpen(t *testing.T) {
	opening := make(chan struct{})
	release := make(chan struct{})
	r := newTestRegistry(t, func(o *Options) {
		router := capture.NewRouter(nil)
		router.Handle("gated", capture.OpenerFunc(func(context.Context, string, camera.Config) (capture.Source, error) {
			close(opening)
			<-release
			return &gatedSource{release: make(chan struct{})}, nil
		}))
		o.Opener = router
	})

	started := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), "cam1", "gated")
		started <- err
	}()

	<-opening
	h, ok := r.Lookup("cam1")
	require.True(t, ok)
	res, err := r.Stop("cam1")
	require.NoError(t, err)
	assert.Equal(t, Stopped, res)

	// The device finishes opening after the stop.
	close(release)
	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStartAborted)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.Empty(t, r.List())

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not exit")
	}
}

func TestStopAll_WaitsForWorkers(t *testing.T) {
	r := newTestRegistry(t, nil)

	for _, id := range []string{"cam1", "cam2", "cam3"} {
		_, err := r.Start(context.Background(), id, "testpattern")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"cam1", "cam2", "cam3"}, r.List())
	assert.Len(t, r.Info(), 3)

	r.StopAll()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	assert.Empty(t, r.List())
	_, err := r.Start(context.Background(), "cam4", "testpattern")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "already running", AlreadyRunning.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "not running", NotRunning.String())
	assert.Equal(t, "running", Running.String())
}
