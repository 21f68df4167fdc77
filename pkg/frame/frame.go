// Package frame holds the pixel frames that flow from capture workers to
// viewers, and the single-slot buffers that keep the latest one per channel.
package frame

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel identifies which lineage of frames a buffer carries.
type Channel int

const (
	// Raw frames come straight from the capture source.
	Raw Channel = iota
	// Annotated frames carry the detector's drawn overlays.
	Annotated
)

// Channels lists every channel a camera owns a buffer for.
var Channels = []Channel{Raw, Annotated}

// String returns the channel name used in URLs and log fields.
func (c Channel) String() string {
	switch c {
	case Raw:
		return "raw"
	case Annotated:
		return "annotated"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// ErrUnknownChannel is returned by ParseChannel for unrecognised names.
var ErrUnknownChannel = errors.New("frame: unknown channel")

// ParseChannel converts "raw" or "annotated" into a Channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(s) {
	case "raw":
		return Raw, nil
	case "annotated":
		return Annotated, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// PixelFormat describes the layout of Frame.Data.
type PixelFormat int

const (
	// BGR24 is packed 8-bit blue, green, red (OpenCV's native order).
	BGR24 PixelFormat = iota
	// Gray8 is a single 8-bit luma plane.
	Gray8
)

// BytesPerPixel returns the packed pixel size.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case Gray8:
		return 1
	default:
		return 3
	}
}

func (p PixelFormat) String() string {
	switch p {
	case BGR24:
		return "bgr24"
	case Gray8:
		return "gray8"
	default:
		return fmt.Sprintf("format(%d)", int(p))
	}
}

// ErrInvalidFrame is returned by Validate for malformed frames.
var ErrInvalidFrame = errors.New("frame: invalid frame")

// Frame is one captured image plus its metadata.
//
// A Frame must not be modified once it has been written to a Buffer. Writers
// build a fresh Frame for every capture; readers may share the pointer.
type Frame struct {
	CameraID string
	Width    int
	Height   int
	Format   PixelFormat
	Data     []byte

	// Seq increases by one for every frame a worker captures.
	Seq      uint64
	Captured time.Time

	// Detections is the detector's count for annotated frames; zero on raw frames.
	Detections int
}

// Validate checks that Data matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	want := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) != want {
		return fmt.Errorf("%w: %d bytes for %dx%d %s, want %d",
			ErrInvalidFrame, len(f.Data), f.Width, f.Height, f.Format, want)
	}
	return nil
}

// Age reports how long ago the frame was captured.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Captured)
}

// WithData returns a copy of f carrying new pixel data, used by detectors
// that draw onto a clone of the source frame.
func (f *Frame) WithData(data []byte) *Frame {
	out := *f
	out.Data = data
	return &out
}

// Clone deep-copies the frame, including its pixel data.
func (f *Frame) Clone() *Frame {
	out := *f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return &out
}
