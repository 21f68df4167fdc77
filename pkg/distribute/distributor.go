// Package distribute serves the latest frame of each camera to consumers: a
// non-blocking pull for scheduled media mounts and a cancellable push
// sequence of multipart JPEG chunks for long-lived HTTP responses.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/camfleet/pkg/frame"
)

var (
	// ErrUnknownCamera is returned for ids with no running worker.
	ErrUnknownCamera = errors.New("distribute: unknown camera")

	// ErrNotReady means no fresh frame is available this cycle. Callers
	// skip the cycle rather than fail.
	ErrNotReady = errors.New("distribute: frame not ready")
)

// Boundary separates parts of the multipart stream.
const Boundary = "frame"

// ContentType is the response content type of the push stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Buffers resolves a camera's frame buffer. stream.Registry implements it.
type Buffers interface {
	Buffer(id string, ch frame.Channel) (*frame.Buffer, bool)
}

// Encoder turns a frame into image bytes for the wire.
type Encoder interface {
	Encode(f *frame.Frame) ([]byte, error)
}

// Config controls freshness and push cadence.
type Config struct {
	// StaleAfter is the age past which a frame is not served.
	StaleAfter time.Duration `yaml:"stale_after"`
	// Interval is the push stream's polling period.
	Interval time.Duration `yaml:"interval"`
	// RepeatEvery re-sends an unchanged frame after this long so idle
	// viewers keep receiving data. Zero disables repeats.
	RepeatEvery time.Duration `yaml:"repeat_every"`
}

// DefaultConfig polls at 20 Hz and treats frames older than 2s as stale.
func DefaultConfig() Config {
	return Config{
		StaleAfter:  2 * time.Second,
		Interval:    50 * time.Millisecond,
		RepeatEvery: time.Second,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.StaleAfter <= 0 {
		return fmt.Errorf("distribute: stale_after must be positive")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("distribute: interval must be positive")
	}
	if c.RepeatEvery < 0 {
		return fmt.Errorf("distribute: repeat_every must not be negative")
	}
	return nil
}

type cacheKey struct {
	id string
	ch frame.Channel
}

type cached struct {
	frame *frame.Frame
	data  []byte
}

// Distributor reads camera buffers on behalf of consumers.
type Distributor struct {
	buffers Buffers
	encoder Encoder
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]cached
}

// New creates a Distributor. A nil encoder defaults to frame.JPEGEncoder.
func New(buffers Buffers, encoder Encoder, cfg Config, logger *slog.Logger) *Distributor {
	if encoder == nil {
		encoder = frame.JPEGEncoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Distributor{
		buffers: buffers,
		encoder: encoder,
		config:  cfg,
		logger:  logger.With("component", "distribute"),
		now:     time.Now,
		cache:   make(map[cacheKey]cached),
	}
}

// Config returns the distributor's effective configuration.
func (d *Distributor) Config() Config { return d.config }

// Pull returns the latest fresh frame for (id, ch). It never blocks.
func (d *Distributor) Pull(id string, ch frame.Channel) (*frame.Frame, error) {
	b, ok := d.buffers.Buffer(id, ch)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, id)
	}
	f, ok := b.Read()
	if !ok {
		return nil, ErrNotReady
	}
	if f.Age(d.now()) > d.config.StaleAfter {
		return nil, ErrNotReady
	}
	return f, nil
}

// PullEncoded is Pull followed by encoding. Encodings are cached per
// (camera, channel) so concurrent consumers of an unchanged frame share one
// encode.
func (d *Distributor) PullEncoded(id string, ch frame.Channel) ([]byte, *frame.Frame, error) {
	f, err := d.Pull(id, ch)
	if err != nil {
		return nil, nil, err
	}
	data, err := d.encode(cacheKey{id, ch}, f)
	if err != nil {
		return nil, nil, err
	}
	return data, f, nil
}

func (d *Distributor) encode(key cacheKey, f *frame.Frame) ([]byte, error) {
	d.mu.Lock()
	c, ok := d.cache[key]
	d.mu.Unlock()
	if ok && c.frame == f {
		return c.data, nil
	}

	data, err := d.encoder.Encode(f)
	if err != nil {
		return nil, fmt.Errorf("distribute: encode %s/%s seq %d: %w", f.CameraID, key.ch, f.Seq, err)
	}

	d.mu.Lock()
	d.cache[key] = cached{frame: f, data: data}
	d.mu.Unlock()
	return data, nil
}

// Forget drops cached encodings for id. Call it when a camera stops.
func (d *Distributor) Forget(id string) {
	d.mu.Lock()
	for _, ch := range frame.Channels {
		delete(d.cache, cacheKey{id, ch})
	}
	d.mu.Unlock()
}

// Stream returns the push sequence for (id, ch). Each element is one
// multipart chunk. The sequence polls every Interval, skips unchanged frames
// unless RepeatEvery has passed, and stays idle while the camera is unknown
// or stale, so a restarted camera resumes on the same connection. It ends
// when ctx is done or the consumer stops iterating.
func (d *Distributor) Stream(ctx context.Context, id string, ch frame.Channel) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()

		var (
			last     *frame.Frame
			chunk    []byte
			lastSent time.Time
		)

		for {
			if ctx.Err() != nil {
				return
			}

			data, f, err := d.PullEncoded(id, ch)
			switch {
			case err == nil && f != last:
				last = f
				chunk = Chunk(data)
				if !yield(chunk) {
					return
				}
				lastSent = d.now()
			case err == nil && d.config.RepeatEvery > 0 && d.now().Sub(lastSent) >= d.config.RepeatEvery:
				if !yield(chunk) {
					return
				}
				lastSent = d.now()
			case err != nil && !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrUnknownCamera):
				d.logger.Debug("push stream skipped frame", "camera", id, "channel", ch, "error", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// Chunk wraps one JPEG in a multipart part.
func Chunk(jpeg []byte) []byte {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg))
	out := make([]byte, 0, len(header)+len(jpeg)+2)
	out = append(out, header...)
	out = append(out, jpeg...)
	return append(out, '\r', '\n')
}
