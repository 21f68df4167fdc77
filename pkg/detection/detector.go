// Package detection defines the object detection collaborator used by capture
// workers: a raw frame goes in, an annotated frame and a count come out.
package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/teslashibe/camfleet/pkg/frame"
)

var (
	// ErrInference marks a failed detection on a single frame. Workers log it
	// and skip the annotated write for that frame.
	ErrInference = errors.New("detection: inference failed")

	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("detection: model not found")

	// ErrModelLoad is returned when the model file cannot be loaded.
	ErrModelLoad = errors.New("detection: model load failed")
)

// InferenceError wraps err so that errors.Is(err, ErrInference) holds.
func InferenceError(err error) error {
	if err == nil || errors.Is(err, ErrInference) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInference, err)
}

// Detector runs object detection on frames.
type Detector interface {
	// Infer returns an annotated copy of f and the number of counted objects
	// (people, by default). f must not be modified. Errors wrap ErrInference.
	Infer(ctx context.Context, f *frame.Frame) (*frame.Frame, int, error)

	// Close releases model resources.
	Close() error
}

// Detection is one detected object in normalised image coordinates.
type Detection struct {
	X, Y       float64 // Top-left corner (0-1 normalized)
	W, H       float64 // Width and height (0-1 normalized)
	Confidence float64
	ClassID    int
	ClassName  string
}

// Center returns the center point of the detection
func (d Detection) Center() (x, y float64) {
	return d.X + d.W/2, d.Y + d.H/2
}

// Area returns the area of the bounding box
func (d Detection) Area() float64 {
	return d.W * d.H
}

// Config holds detector configuration
type Config struct {
	ModelPath        string   `yaml:"model_path"`
	ConfidenceThresh float32  `yaml:"confidence"`
	NMSThresh        float32  `yaml:"nms"`
	InputWidth       int      `yaml:"input_width"`
	InputHeight      int      `yaml:"input_height"`
	CountClasses     []string `yaml:"count_classes"` // classes included in the count
}

// DefaultConfig returns production defaults for YOLOv8n counting people.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
		CountClasses:     []string{"person"},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.ConfidenceThresh <= 0 || c.ConfidenceThresh > 1 {
		return fmt.Errorf("detection: confidence must be in (0,1], got %v", c.ConfidenceThresh)
	}
	if c.NMSThresh <= 0 || c.NMSThresh > 1 {
		return fmt.Errorf("detection: nms must be in (0,1], got %v", c.NMSThresh)
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return fmt.Errorf("detection: invalid input size %dx%d", c.InputWidth, c.InputHeight)
	}
	for _, name := range c.CountClasses {
		if ClassID(name) < 0 {
			return fmt.Errorf("detection: unknown class %q", name)
		}
	}
	return nil
}

// Count returns how many detections belong to one of classes.
func Count(dets []Detection, classes []string) int {
	n := 0
	for _, d := range dets {
		for _, c := range classes {
			if d.ClassName == c {
				n++
				break
			}
		}
	}
	return n
}
