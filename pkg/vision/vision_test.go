package vision

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/frame"
)

func patternFrame(t *testing.T) *frame.Frame {
	t.Helper()
	cfg := camera.DefaultConfig()
	cfg.Framerate = 0
	f, err := capture.NewTestPattern(cfg).ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("test pattern: %v", err)
	}
	f.CameraID = "cam1"
	f.Seq = 3
	return f
}

func findModelPath() string {
	for _, p := range []string{
		"models/yolov8n.onnx",
		"../../models/yolov8n.onnx",
		os.Getenv("YOLO_MODEL"),
	} {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			if _, err := os.Stat(abs); err == nil {
				return abs
			}
		}
	}
	return ""
}

func TestMatRoundTrip(t *testing.T) {
	f := patternFrame(t)

	m, err := toMat(f)
	if err != nil {
		t.Fatalf("toMat: %v", err)
	}
	defer m.Close()

	back, err := fromMat(m)
	if err != nil {
		t.Fatalf("fromMat: %v", err)
	}
	if !bytes.Equal(back.Data, f.Data) {
		t.Error("pixel data changed in round trip")
	}
}

func TestDrawDetections_LeavesFrameUntouched(t *testing.T) {
	f := patternFrame(t)
	before := bytes.Clone(f.Data)

	m, err := toMat(f)
	if err != nil {
		t.Fatalf("toMat: %v", err)
	}
	defer m.Close()

	drawDetections(&m, []detection.Detection{{
		X: 0.1, Y: 0.1, W: 0.5, H: 0.5,
		Confidence: 0.9,
		ClassName:  "person",
	}})

	if !bytes.Equal(f.Data, before) {
		t.Fatal("drawing changed the source frame")
	}
	drawn, err := fromMat(m)
	if err != nil {
		t.Fatalf("fromMat: %v", err)
	}
	if bytes.Equal(drawn.Data, before) {
		t.Error("nothing was drawn on the annotated copy")
	}
}

func TestJPEGEncoder(t *testing.T) {
	data, err := JPEGEncoder{Quality: 70}.Encode(patternFrame(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Errorf("size: got %v", img.Bounds())
	}
}

func TestOpener_BadSource(t *testing.T) {
	_, err := Opener{}.Open(context.Background(), "/nonexistent/clip.mp4", camera.DefaultConfig())
	if !errors.Is(err, capture.ErrSourceOpen) {
		t.Errorf("want ErrSourceOpen, got %v", err)
	}
}

func TestNewYOLO_MissingModel(t *testing.T) {
	cfg := detection.DefaultConfig()
	cfg.ModelPath = "/nonexistent/path/model.onnx"

	_, err := NewYOLO(cfg, nil)
	if !errors.Is(err, detection.ErrModelNotFound) {
		t.Errorf("want ErrModelNotFound, got %v", err)
	}
}

func TestYOLO_TestPatternHasNoPeople(t *testing.T) {
	modelPath := findModelPath()
	if modelPath == "" {
		t.Skip("YOLO model not found, skipping test")
	}

	cfg := detection.DefaultConfig()
	cfg.ModelPath = modelPath
	d, err := NewYOLO(cfg, nil)
	if err != nil {
		t.Fatalf("NewYOLO: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := patternFrame(t)
	before := bytes.Clone(f.Data)
	out, n, err := d.Infer(ctx, f)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if !bytes.Equal(f.Data, before) {
		t.Error("Infer modified its input frame")
	}
	if n != 0 {
		t.Errorf("expected 0 people in colour bars, got %d", n)
	}
	if out.Seq != f.Seq || out.CameraID != f.CameraID {
		t.Errorf("metadata lost: %+v", out)
	}
}
