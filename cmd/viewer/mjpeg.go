package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"
)

// readMJPEG calls fn with each JPEG part of a multipart/x-mixed-replace
// body, trimmed to its Content-Length when one is given. It returns nil when
// the body ends, or the first error from fn.
func readMJPEG(contentType string, body io.Reader, fn func([]byte) error) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return fmt.Errorf("not a multipart stream: %s", contentType)
	}

	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		// Keep-alive blank lines between parts land in the previous part.
		if n, err := strconv.Atoi(part.Header.Get("Content-Length")); err == nil && n >= 0 && n < len(data) {
			data = data[:n]
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

// rateMeter reports frames per second roughly once a second.
type rateMeter struct {
	start  time.Time
	frames int
}

func newRateMeter(now time.Time) *rateMeter {
	return &rateMeter{start: now}
}

func (r *rateMeter) tick(now time.Time) (float64, bool) {
	r.frames++
	elapsed := now.Sub(r.start)
	if elapsed < time.Second {
		return 0, false
	}
	fps := float64(r.frames) / elapsed.Seconds()
	r.start, r.frames = now, 0
	return fps, true
}
