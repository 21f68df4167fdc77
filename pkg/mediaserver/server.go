// Package mediaserver runs pull-driven media mounts. Each mount serves one
// (channel, camera) pair: on its own schedule it pulls the latest encoded
// frame and fans it out to the websocket viewers attached to it. A cycle with
// no fresh frame is skipped; the viewers' sessions stay open.
package mediaserver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/camfleet/pkg/frame"
	"github.com/teslashibe/camfleet/pkg/hub"
)

// Puller returns the latest encoded frame for a mount. distribute.Distributor
// implements it; errors mean "nothing to send this cycle".
type Puller interface {
	PullEncoded(id string, ch frame.Channel) ([]byte, *frame.Frame, error)
}

// Metrics observes viewer activity.
type Metrics interface {
	ViewerJoined(transport, channel string)
	ViewerLeft(transport, channel string)
	FrameServed(transport, channel string)
}

const transport = "ws"

// Config controls mount scheduling.
type Config struct {
	// FPS is how often each mount pulls a frame.
	FPS int `yaml:"fps"`
}

// DefaultConfig pulls at 15 frames per second.
func DefaultConfig() Config {
	return Config{FPS: 15}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.FPS <= 0 || c.FPS > 60 {
		return fmt.Errorf("mediaserver: fps must be in 1..60, got %d", c.FPS)
	}
	return nil
}

// Mount states reported to viewers.
const (
	StateLive    = "live"
	StateWaiting = "waiting"
)

// Status is sent to a mount's viewers as JSON when its state changes.
type Status struct {
	Mount string `json:"mount"`
	State string `json:"state"`
}

// Key identifies a mount.
type Key struct {
	Channel  frame.Channel
	CameraID string
}

// Path returns the mount path, e.g. "annotated/cam1".
func (k Key) Path() string {
	return k.Channel.String() + "/" + k.CameraID
}

// Mount is one scheduled pull endpoint with its viewers.
type Mount struct {
	key    Key
	hub    *hub.Hub
	cancel context.CancelFunc
	done   chan struct{}

	viewers int // guarded by Server.mu
	frames  atomic.Uint64
	skipped atomic.Uint64
}

// MountInfo is a snapshot of a mount.
type MountInfo struct {
	Path    string `json:"path"`
	Viewers int    `json:"viewers"`
	Frames  uint64 `json:"frames"`
	Skipped uint64 `json:"skipped"`
}

// Server owns the mounts.
type Server struct {
	src     Puller
	period  time.Duration
	logger  *slog.Logger
	metrics Metrics

	mu     sync.Mutex
	mounts map[Key]*Mount
	closed bool
	wg     sync.WaitGroup
}

// New creates a media server.
func New(src Puller, cfg Config, logger *slog.Logger, metrics Metrics) *Server {
	if cfg.FPS <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		src:     src,
		period:  time.Second / time.Duration(cfg.FPS),
		logger:  logger.With("component", "mediaserver"),
		metrics: metrics,
		mounts:  make(map[Key]*Mount),
	}
}

// Serve attaches conn to the mount for (ch, id), creating the mount if it is
// the first viewer, and blocks until the viewer disconnects. The mount is
// torn down when its last viewer leaves.
func (s *Server) Serve(conn hub.Conn, ch frame.Channel, id string) error {
	key := Key{Channel: ch, CameraID: id}
	m, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(m)

	client, err := hub.NewClient(m.hub, conn)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ViewerJoined(transport, ch.String())
		defer s.metrics.ViewerLeft(transport, ch.String())
	}
	client.Run()
	return nil
}

func (s *Server) acquire(key Key) (*Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, hub.ErrHubStopped
	}
	if m, ok := s.mounts[key]; ok {
		m.viewers++
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mount{
		key:     key,
		hub:     hub.New(key.Path(), s.logger),
		cancel:  cancel,
		done:    make(chan struct{}),
		viewers: 1,
	}
	s.mounts[key] = m

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		m.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pump(ctx, m)
	}()

	s.logger.Info("mount created", "mount", key.Path())
	return m, nil
}

func (s *Server) release(m *Mount) {
	s.mu.Lock()
	m.viewers--
	last := m.viewers == 0
	if last && s.mounts[m.key] == m {
		delete(s.mounts, m.key)
	}
	s.mu.Unlock()

	if last {
		m.cancel()
		s.logger.Info("mount removed", "mount", m.key.Path(), "frames", m.frames.Load())
	}
}

// pump pulls a frame every period and broadcasts it if it is new. Viewers
// get a Status text message whenever the mount switches between live and
// waiting.
func (s *Server) pump(ctx context.Context, m *Mount) {
	defer close(m.done)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	var (
		last  *frame.Frame
		state string
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.hub.ClientCount() == 0 {
			continue
		}

		data, f, err := s.src.PullEncoded(m.key.CameraID, m.key.Channel)

		next := StateLive
		if err != nil {
			next = StateWaiting
		}
		if next != state {
			state = next
			if err := m.hub.BroadcastJSON(Status{Mount: m.key.Path(), State: state}); err != nil {
				s.logger.Debug("status not sent", "mount", m.key.Path(), "error", err)
			}
		}

		if err != nil || f == last {
			m.skipped.Add(1)
			continue
		}
		last = f
		if m.hub.BroadcastBinary(data) {
			m.frames.Add(1)
			if s.metrics != nil {
				s.metrics.FrameServed(transport, m.key.Channel.String())
			}
		}
	}
}

// Mounts returns a snapshot of the active mounts, sorted by path.
func (s *Server) Mounts() []MountInfo {
	s.mu.Lock()
	infos := make([]MountInfo, 0, len(s.mounts))
	for _, m := range s.mounts {
		infos = append(infos, MountInfo{
			Path:    m.key.Path(),
			Viewers: m.viewers,
			Frames:  m.frames.Load(),
			Skipped: m.skipped.Load(),
		})
	}
	s.mu.Unlock()
	slices.SortFunc(infos, func(a, b MountInfo) int { return strings.Compare(a.Path, b.Path) })
	return infos
}

// Close stops every mount, which disconnects their viewers, and waits for
// the mount goroutines to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	mounts := s.mounts
	s.mounts = make(map[Key]*Mount)
	s.mu.Unlock()

	for _, m := range mounts {
		m.cancel()
	}
	s.wg.Wait()
}
