// Package camera holds the capture settings applied when a camera feed is
// opened: resolution, target frame rate and JPEG quality for viewers.
package camera

// Config holds the capture parameters for one feed.
type Config struct {
	Width     int `json:"width" yaml:"width"`         // Frame width in pixels
	Height    int `json:"height" yaml:"height"`       // Frame height in pixels
	Framerate int `json:"framerate" yaml:"framerate"` // Target FPS
	Quality   int `json:"quality" yaml:"quality"`     // JPEG quality 1-100

	// BufferSize is the driver-side frame queue. 1 keeps latency low on
	// network sources that otherwise replay stale frames after a stall.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// Limits accepted by Validate.
const (
	MaxWidth     = 3840
	MaxHeight    = 2160
	MaxFramerate = 120
)

// DefaultConfig returns 640x480 at 30 fps, the geometry the media mounts expect.
func DefaultConfig() Config {
	return Config{
		Width:      640,
		Height:     480,
		Framerate:  30,
		Quality:    80,
		BufferSize: 1,
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Width < 160 || c.Width > MaxWidth {
		errors = append(errors, "width must be between 160 and 3840")
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errors = append(errors, "height must be between 120 and 2160")
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errors = append(errors, "framerate must be between 1 and 120")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.BufferSize < 0 {
		errors = append(errors, "buffer_size must not be negative")
	}

	return errors
}

// FrameBytes returns the size of one packed BGR24 frame.
func (c *Config) FrameBytes() int {
	return c.Width * c.Height * 3
}
