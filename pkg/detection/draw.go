package detection

import "github.com/teslashibe/camfleet/pkg/frame"

// BoxColor is the BGR colour used for drawn boxes.
var BoxColor = [3]byte{0, 255, 0}

// Annotate returns a copy of f with a one-pixel rectangle drawn around each
// detection. The count is stored in the copy's Detections field.
func Annotate(f *frame.Frame, dets []Detection, count int) *frame.Frame {
	out := f.Clone()
	out.Detections = count
	bpp := out.Format.BytesPerPixel()

	set := func(x, y int) {
		if x < 0 || y < 0 || x >= out.Width || y >= out.Height {
			return
		}
		i := (y*out.Width + x) * bpp
		if bpp == 1 {
			out.Data[i] = 255
			return
		}
		copy(out.Data[i:i+3], BoxColor[:])
	}

	for _, d := range dets {
		x0 := int(d.X * float64(out.Width))
		y0 := int(d.Y * float64(out.Height))
		x1 := int((d.X + d.W) * float64(out.Width))
		y1 := int((d.Y + d.H) * float64(out.Height))
		for x := x0; x <= x1; x++ {
			set(x, y0)
			set(x, y1)
		}
		for y := y0; y <= y1; y++ {
			set(x0, y)
			set(x1, y)
		}
	}
	return out
}
