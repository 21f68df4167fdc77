package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/frame"
)

// SchemeTestPattern selects the synthetic source.
const SchemeTestPattern = "testpattern"

// errInjected is the cause attached to scripted read failures.
var errInjected = errors.New("injected read failure")

// TestPattern generates moving colour bars. It never contains people, so a
// detector run over it should always report zero persons.
type TestPattern struct {
	spec   string
	width  int
	height int
	period time.Duration

	// limit ends the stream after this many frames; 0 means endless.
	limit int
	// failAt lists 1-based read attempts that return a transient error.
	failAt map[int]bool

	mu       sync.Mutex
	attempts int
	produced int
	closed   bool
	next     time.Time
}

// TestPatternOption configures a TestPattern.
type TestPatternOption func(*TestPattern)

// WithFrameLimit ends the pattern after n frames.
func WithFrameLimit(n int) TestPatternOption {
	return func(p *TestPattern) { p.limit = n }
}

// WithFailures makes the given read attempts (1-based) fail transiently.
func WithFailures(attempts ...int) TestPatternOption {
	return func(p *TestPattern) {
		for _, a := range attempts {
			p.failAt[a] = true
		}
	}
}

// WithRate paces frames at fps; 0 disables pacing.
func WithRate(fps int) TestPatternOption {
	return func(p *TestPattern) {
		if fps <= 0 {
			p.period = 0
			return
		}
		p.period = time.Second / time.Duration(fps)
	}
}

// NewTestPattern creates a pattern source of the configured size.
func NewTestPattern(cfg camera.Config, opts ...TestPatternOption) *TestPattern {
	p := &TestPattern{
		spec:   SchemeTestPattern,
		width:  cfg.Width,
		height: cfg.Height,
		failAt: make(map[int]bool),
	}
	WithRate(cfg.Framerate)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenTestPattern parses a testpattern spec. Recognised query parameters:
// frames, fps, fail (comma separated attempt numbers), width, height.
func OpenTestPattern(_ context.Context, spec string, cfg camera.Config) (Source, error) {
	q, err := parseQuery(spec)
	if err != nil {
		return nil, OpenError(spec, err)
	}

	var opts []TestPatternOption
	if v := q.Get("width"); v != "" {
		if cfg.Width, err = strconv.Atoi(v); err != nil {
			return nil, OpenError(spec, fmt.Errorf("width: %w", err))
		}
	}
	if v := q.Get("height"); v != "" {
		if cfg.Height, err = strconv.Atoi(v); err != nil {
			return nil, OpenError(spec, fmt.Errorf("height: %w", err))
		}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, OpenError(spec, fmt.Errorf("invalid size %dx%d", cfg.Width, cfg.Height))
	}
	if v := q.Get("frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, OpenError(spec, fmt.Errorf("frames: %w", err))
		}
		opts = append(opts, WithFrameLimit(n))
	}
	if v := q.Get("fps"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, OpenError(spec, fmt.Errorf("fps: %w", err))
		}
		opts = append(opts, WithRate(n))
	}
	if v := q.Get("fail"); v != "" {
		var attempts []int
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, OpenError(spec, fmt.Errorf("fail: %w", err))
			}
			attempts = append(attempts, n)
		}
		opts = append(opts, WithFailures(attempts...))
	}

	p := NewTestPattern(cfg, opts...)
	p.spec = spec
	return p, nil
}

func parseQuery(spec string) (url.Values, error) {
	i := strings.Index(spec, "?")
	if i < 0 {
		return url.Values{}, nil
	}
	return url.ParseQuery(spec[i+1:])
}

// ReadFrame implements Source.
func (p *TestPattern) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, Exhausted(p.spec)
	}
	if p.limit > 0 && p.produced >= p.limit {
		p.mu.Unlock()
		return nil, Exhausted(p.spec)
	}
	p.attempts++
	attempt := p.attempts
	wait := p.pace()
	p.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if p.failAt[attempt] {
		return nil, ReadError(p.spec, errInjected)
	}

	p.mu.Lock()
	p.produced++
	n := p.produced
	p.mu.Unlock()

	return &frame.Frame{
		Width:    p.width,
		Height:   p.height,
		Format:   frame.BGR24,
		Data:     p.render(n),
		Captured: time.Now(),
	}, nil
}

// pace returns how long to sleep before the next frame. Caller holds mu.
func (p *TestPattern) pace() time.Duration {
	if p.period == 0 {
		return 0
	}
	now := time.Now()
	if p.next.Before(now) {
		p.next = now
	}
	wait := p.next.Sub(now)
	p.next = p.next.Add(p.period)
	return wait
}

var bars = [][3]byte{
	{255, 255, 255}, // white
	{0, 255, 255},   // yellow (BGR)
	{255, 255, 0},   // cyan
	{0, 255, 0},     // green
	{255, 0, 255},   // magenta
	{0, 0, 255},     // red
	{255, 0, 0},     // blue
	{0, 0, 0},       // black
}

// render draws eight vertical bars scrolled by n pixels.
func (p *TestPattern) render(n int) []byte {
	data := make([]byte, p.width*p.height*3)
	barWidth := p.width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}

	row := data[:p.width*3]
	for x := 0; x < p.width; x++ {
		c := bars[((x+n)/barWidth)%len(bars)]
		copy(row[x*3:], c[:])
	}
	for y := 1; y < p.height; y++ {
		copy(data[y*p.width*3:], row)
	}
	return data
}

// Produced returns the number of frames delivered so far.
func (p *TestPattern) Produced() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.produced
}

// Close implements Source.
func (p *TestPattern) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
