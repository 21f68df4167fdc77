// Package capture defines the camera source collaborators: something that can
// be opened from a source spec and then read one frame at a time.
//
// Source specs are strings as accepted by the control API:
//   - "0", "1": local capture device index
//   - "rtsp://...", "http://...", file paths: network or file sources
//   - "testpattern", "testpattern://?frames=100&fps=30": synthetic frames
package capture

import (
	"context"
	"strings"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/frame"
)

// Source produces raw frames from one camera.
type Source interface {
	// ReadFrame blocks until the next frame is available.
	// It returns an error wrapping ErrSourceExhausted when the source has
	// ended and ErrSourceRead for transient failures. The returned frame is
	// owned by the caller.
	ReadFrame(ctx context.Context) (*frame.Frame, error)

	// Close releases the underlying device or stream.
	Close() error
}

// Opener turns a source spec into an open Source.
type Opener interface {
	// Open returns an error wrapping ErrSourceOpen if the source cannot be used.
	Open(ctx context.Context, spec string, cfg camera.Config) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, spec string, cfg camera.Config) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, spec string, cfg camera.Config) (Source, error) {
	return f(ctx, spec, cfg)
}

// Router dispatches specs to openers by URL scheme. Specs without a
// registered scheme go to Fallback.
type Router struct {
	routes   map[string]Opener
	Fallback Opener
}

// NewRouter returns a router with the test pattern registered.
func NewRouter(fallback Opener) *Router {
	r := &Router{
		routes:   make(map[string]Opener),
		Fallback: fallback,
	}
	r.Handle(SchemeTestPattern, OpenerFunc(OpenTestPattern))
	return r
}

// Handle registers an opener for a scheme.
func (r *Router) Handle(scheme string, o Opener) {
	r.routes[strings.ToLower(scheme)] = o
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, spec string, cfg camera.Config) (Source, error) {
	if o, ok := r.routes[Scheme(spec)]; ok {
		return o.Open(ctx, spec, cfg)
	}
	if r.Fallback == nil {
		return nil, OpenError(spec, ErrNoOpener)
	}
	return r.Fallback.Open(ctx, spec, cfg)
}

// Scheme returns the lower-cased scheme of spec, treating a bare word with
// no "://" or ":" as its own scheme ("testpattern").
func Scheme(spec string) string {
	s := strings.TrimSpace(spec)
	if i := strings.Index(s, ":"); i > 0 {
		return strings.ToLower(s[:i])
	}
	return strings.ToLower(s)
}
