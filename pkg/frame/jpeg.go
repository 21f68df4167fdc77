package frame

import (
	"bytes"
	"image"
	"image/jpeg"
)

// DefaultJPEGQuality is used when an encoder is built with quality 0.
const DefaultJPEGQuality = 80

// ToImage converts the frame's packed pixels into an image.Image.
func (f *Frame) ToImage() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == Gray8 {
		img := image.NewGray(rect)
		copy(img.Pix, f.Data)
		return img, nil
	}

	img := image.NewRGBA(rect)
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i+2]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// JPEGEncoder encodes frames with the standard library encoder. It needs no
// cgo and is the default when OpenCV is not linked in.
type JPEGEncoder struct {
	Quality int
}

// Encode returns the frame as JPEG bytes.
func (e JPEGEncoder) Encode(f *Frame) ([]byte, error) {
	img, err := f.ToImage()
	if err != nil {
		return nil, err
	}

	q := e.Quality
	if q <= 0 || q > 100 {
		q = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
