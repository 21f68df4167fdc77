// Package vision implements the capture and detection collaborators on top of
// OpenCV (gocv): device and network capture, YOLOv8 person detection with
// drawn overlays, and JPEG encoding.
//
// Everything that links against OpenCV lives here so the rest of the module
// builds and tests without it.
package vision

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/camfleet/pkg/frame"
)

// toMat copies a frame into a new BGR Mat that owns its pixels. The caller
// closes it. NewMatFromBytes wraps f.Data without copying, so the wrapper is
// only ever read from; anything drawn on the result leaves f untouched.
func toMat(f *frame.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	typ := gocv.MatTypeCV8UC3
	if f.Format == frame.Gray8 {
		typ = gocv.MatTypeCV8UC1
	}
	view, err := gocv.NewMatFromBytes(f.Height, f.Width, typ, f.Data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap frame: %w", err)
	}
	defer view.Close()

	if f.Format == frame.Gray8 {
		bgr := gocv.NewMat()
		gocv.CvtColor(view, &bgr, gocv.ColorGrayToBGR)
		return bgr, nil
	}
	return view.Clone(), nil
}

// fromMat copies a BGR Mat into a new frame.
func fromMat(m gocv.Mat) (*frame.Frame, error) {
	if m.Empty() {
		return nil, fmt.Errorf("empty mat")
	}
	if m.Channels() != 3 {
		return nil, fmt.Errorf("unsupported mat with %d channels", m.Channels())
	}
	return &frame.Frame{
		Width:    m.Cols(),
		Height:   m.Rows(),
		Format:   frame.BGR24,
		Data:     m.ToBytes(),
		Captured: time.Now(),
	}, nil
}
