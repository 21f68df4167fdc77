package vision

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/teslashibe/camfleet/pkg/frame"
)

// JPEGEncoder encodes frames with OpenCV's libjpeg binding, which is several
// times faster than image/jpeg for large frames.
type JPEGEncoder struct {
	Quality int
}

// Encode implements distribute.Encoder.
func (e JPEGEncoder) Encode(f *frame.Frame) ([]byte, error) {
	img, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	q := e.Quality
	if q <= 0 || q > 100 {
		q = frame.DefaultJPEGQuality
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, q})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases native memory that Close frees.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
