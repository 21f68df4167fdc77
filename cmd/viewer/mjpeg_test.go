package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/camfleet/pkg/distribute"
)

func TestReadMJPEG(t *testing.T) {
	var body bytes.Buffer
	for _, j := range []string{"first", "second", "third"} {
		body.Write(distribute.Chunk([]byte(j)))
	}
	body.WriteString("--" + distribute.Boundary + "--\r\n")

	var got []string
	err := readMJPEG(distribute.ContentType, &body, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("readMJPEG: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d parts %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadMJPEG_SkipsHeartbeats(t *testing.T) {
	var body bytes.Buffer
	body.WriteString("\r\n")
	body.Write(distribute.Chunk([]byte("first")))
	body.WriteString("\r\n\r\n")
	body.Write(distribute.Chunk([]byte("second")))
	body.WriteString("--" + distribute.Boundary + "--\r\n")

	var got []string
	err := readMJPEG(distribute.ContentType, &body, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("readMJPEG: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("parts = %q, want [first second]", got)
	}
}

func TestReadMJPEG_DropsTruncatedPart(t *testing.T) {
	var body bytes.Buffer
	body.Write(distribute.Chunk([]byte("whole")))
	body.WriteString("--" + distribute.Boundary + "\r\nContent-Type: image/jpeg\r\n\r\nhal")

	var got []string
	err := readMJPEG(distribute.ContentType, &body, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("readMJPEG: %v", err)
	}
	if len(got) != 1 || got[0] != "whole" {
		t.Errorf("got %q, want [whole]", got)
	}
}

func TestReadMJPEG_StopsOnCallbackError(t *testing.T) {
	var body bytes.Buffer
	body.Write(distribute.Chunk([]byte("a")))
	body.Write(distribute.Chunk([]byte("b")))

	stop := errors.New("stop")
	calls := 0
	err := readMJPEG(distribute.ContentType, &body, func([]byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestReadMJPEG_BadContentType(t *testing.T) {
	for _, ct := range []string{"", "image/jpeg", "multipart/x-mixed-replace"} {
		if err := readMJPEG(ct, &bytes.Buffer{}, nil); err == nil {
			t.Errorf("content type %q accepted", ct)
		}
	}
}

func TestRateMeter(t *testing.T) {
	start := time.Now()
	r := newRateMeter(start)
	for i := 1; i < 10; i++ {
		if _, ok := r.tick(start.Add(time.Duration(i) * 100 * time.Millisecond)); ok {
			t.Fatalf("reported after %d ticks", i)
		}
	}
	fps, ok := r.tick(start.Add(time.Second))
	if !ok || fps != 10 {
		t.Errorf("fps = %v, ok = %v; want 10, true", fps, ok)
	}
}

func TestHasScheme(t *testing.T) {
	tests := map[string]bool{
		"tcp://localhost:1883": true,
		"localhost:1883":       false,
		"broker":               false,
	}
	for in, want := range tests {
		if got := hasScheme(in); got != want {
			t.Errorf("hasScheme(%q) = %v, want %v", in, got, want)
		}
	}
}
