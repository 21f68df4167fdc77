package vision

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/frame"
)

var (
	boxColor   = color.RGBA{0, 255, 0, 255}
	labelColor = color.RGBA{255, 255, 255, 255}
)

// YOLODetector uses YOLOv8 for person detection and draws the boxes it finds.
// One instance is shared by all workers; inference is serialised by mu.
type YOLODetector struct {
	net       gocv.Net
	config    detection.Config
	mu        sync.Mutex
	inputSize image.Point
	logger    *slog.Logger
}

// NewYOLO loads an ONNX model.
func NewYOLO(cfg detection.Config, logger *slog.Logger) (*YOLODetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", detection.ErrModelNotFound, cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("%w: %s", detection.ErrModelLoad, cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Info("yolo model loaded", "path", cfg.ModelPath, "classes", cfg.CountClasses)

	return &YOLODetector{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
		logger:    logger,
	}, nil
}

// Infer implements detection.Detector.
func (d *YOLODetector) Infer(ctx context.Context, f *frame.Frame) (*frame.Frame, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	img, err := toMat(f)
	if err != nil {
		return nil, 0, detection.InferenceError(err)
	}
	defer img.Close()

	dets, err := d.detect(img)
	if err != nil {
		return nil, 0, detection.InferenceError(err)
	}
	count := detection.Count(dets, d.config.CountClasses)

	drawDetections(&img, dets)
	out, err := fromMat(img)
	if err != nil {
		return nil, 0, detection.InferenceError(err)
	}
	out.CameraID = f.CameraID
	out.Seq = f.Seq
	out.Captured = f.Captured
	out.Detections = count

	if count > 0 {
		d.logger.Debug("yolo detections", "camera", f.CameraID, "seq", f.Seq, "count", count)
	}
	return out, count, nil
}

// detect runs the network on a BGR image.
func (d *YOLODetector) detect(img gocv.Mat) ([]detection.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}
	imgW := float32(img.Cols())
	imgH := float32(img.Rows())

	blob := gocv.BlobFromImage(img, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.parseOutput(output, imgW, imgH)
}

// parseOutput decodes the [1, 84, 8400] YOLOv8 tensor: 4 box values then 80
// class scores per candidate, column major.
func (d *YOLODetector) parseOutput(output gocv.Mat, imgW, imgH float32) ([]detection.Detection, error) {
	var (
		boxes       []image.Rectangle
		confidences []float32
		classIDs    []int
	)

	rows := output.Cols()
	cols := output.Rows()
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	sx := imgW / float32(d.config.InputWidth)
	sy := imgH / float32(d.config.InputHeight)

	for i := 0; i < rows; i++ {
		maxScore := float32(0)
		maxClass := 0
		for c := 4; c < cols; c++ {
			if score := data[c*rows+i]; score > maxScore {
				maxScore = score
				maxClass = c - 4
			}
		}
		if maxScore < d.config.ConfidenceThresh {
			continue
		}

		cx, cy := data[i], data[rows+i]
		w, h := data[2*rows+i], data[3*rows+i]
		boxes = append(boxes, image.Rect(
			int((cx-w/2)*sx), int((cy-h/2)*sy),
			int((cx+w/2)*sx), int((cy+h/2)*sy),
		))
		confidences = append(confidences, maxScore)
		classIDs = append(classIDs, maxClass)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, d.config.ConfidenceThresh, d.config.NMSThresh)
	dets := make([]detection.Detection, 0, len(indices))
	for _, idx := range indices {
		box := boxes[idx]
		dets = append(dets, detection.Detection{
			X:          float64(box.Min.X) / float64(imgW),
			Y:          float64(box.Min.Y) / float64(imgH),
			W:          float64(box.Dx()) / float64(imgW),
			H:          float64(box.Dy()) / float64(imgH),
			Confidence: float64(confidences[idx]),
			ClassID:    classIDs[idx],
			ClassName:  detection.ClassName(classIDs[idx]),
		})
	}
	return dets, nil
}

func drawDetections(img *gocv.Mat, dets []detection.Detection) {
	w, h := float64(img.Cols()), float64(img.Rows())
	for _, d := range dets {
		r := image.Rect(int(d.X*w), int(d.Y*h), int((d.X+d.W)*w), int((d.Y+d.H)*h))
		gocv.Rectangle(img, r, boxColor, 2)
		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		gocv.PutText(img, label, image.Pt(r.Min.X, r.Min.Y-4), gocv.FontHersheySimplex, 0.5, labelColor, 1)
	}
}

// Close releases the detector resources
func (d *YOLODetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
