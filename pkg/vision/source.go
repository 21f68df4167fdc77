package vision

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/frame"
)

var (
	errEmptyRead = errors.New("empty frame")
	errNotOpened = errors.New("capture not opened")
)

// VideoSource reads frames from an OpenCV VideoCapture.
type VideoSource struct {
	spec   string
	file   bool
	cap    *gocv.VideoCapture
	logger *slog.Logger

	mu     sync.Mutex
	mat    gocv.Mat
	closed bool
}

// Opener opens device indexes, network URLs and files with OpenCV.
type Opener struct {
	Logger *slog.Logger
}

// Open implements capture.Opener.
func (o Opener) Open(_ context.Context, spec string, cfg camera.Config) (capture.Source, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec = strings.TrimSpace(spec)

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(spec); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(spec)
	}
	if err != nil {
		return nil, capture.OpenError(spec, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, capture.OpenError(spec, errNotOpened)
	}

	if cfg.BufferSize > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}

	logger.Info("video capture opened",
		"source", spec,
		"width", vc.Get(gocv.VideoCaptureFrameWidth),
		"height", vc.Get(gocv.VideoCaptureFrameHeight),
		"fps", vc.Get(gocv.VideoCaptureFPS))

	return &VideoSource{
		spec:   spec,
		file:   isFile(spec),
		cap:    vc,
		logger: logger,
		mat:    gocv.NewMat(),
	}, nil
}

// isFile reports whether spec names a local file, whose empty reads mean
// end of stream rather than a dropped frame.
func isFile(spec string) bool {
	if _, err := strconv.Atoi(spec); err == nil {
		return false
	}
	return !strings.Contains(spec, "://") || strings.HasPrefix(spec, "file://")
}

// ReadFrame implements capture.Source.
func (s *VideoSource) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, capture.Exhausted(s.spec)
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		if s.file {
			return nil, capture.Exhausted(s.spec)
		}
		return nil, capture.ReadError(s.spec, errEmptyRead)
	}

	f, err := fromMat(s.mat)
	if err != nil {
		return nil, capture.ReadError(s.spec, err)
	}
	return f, nil
}

// Close implements capture.Source.
func (s *VideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.cap.Close()
}
