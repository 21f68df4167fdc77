package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/frame"
)

// Reasons a worker stops, used in logs and metrics.
const (
	ReasonStopped      = "stopped"
	ReasonExhausted    = "exhausted"
	ReasonReadFailures = "read_failures"
	ReasonOpenFailed   = "open_failed"
)

// run is the worker goroutine. It reports the result of opening the source
// on ready, then captures until cancelled or the source ends.
func (r *Registry) run(ctx context.Context, h *Handle, ready chan<- error) {
	defer r.wg.Done()
	defer close(h.done)

	logger := r.logger.With("camera", h.id, "run_id", h.runID)

	src, err := r.opts.Opener.Open(ctx, h.source, r.opts.Camera.For(h.id))
	if err != nil {
		if !errors.Is(err, capture.ErrSourceOpen) {
			err = capture.OpenError(h.source, err)
		}
		r.remove(h)
		h.buffers.Seal()
		h.cancel()
		h.setState(Terminated)
		r.opts.Metrics.WorkerStopped(h.id, ReasonOpenFailed)
		logger.Warn("source open failed", "source", h.source, "error", err)
		ready <- err
		return
	}

	h.setState(Running)
	r.opts.Metrics.WorkerStarted(h.id)
	ready <- nil

	reason := r.capture(ctx, h, src, logger)

	h.setState(Stopping)
	if err := src.Close(); err != nil {
		logger.Warn("source close failed", "error", err)
	}
	if r.remove(h) {
		// Self-terminated; nobody else will seal the buffers.
		h.buffers.Seal()
		h.cancel()
	}
	h.setState(Terminated)
	r.opts.Metrics.WorkerStopped(h.id, reason)
	logger.Info("capture worker terminated",
		"reason", reason,
		"frames", h.stats.Frames.Load(),
		"detection_errors", h.stats.DetectionErrors.Load())
}

// capture is the Running loop. It returns the reason the loop ended.
func (r *Registry) capture(ctx context.Context, h *Handle, src capture.Source, logger *slog.Logger) string {
	raw := h.Buffer(frame.Raw)
	annotated := h.Buffer(frame.Annotated)

	var seq uint64
	failures := 0

	for {
		if ctx.Err() != nil {
			return ReasonStopped
		}

		f, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonStopped
			}
			if capture.IsTerminal(err) {
				logger.Info("source ended", "error", err)
				return ReasonExhausted
			}

			failures++
			h.stats.ReadErrors.Add(1)
			r.opts.Metrics.ReadFailed(h.id)
			if failures >= r.opts.MaxReadFailures {
				logger.Error("giving up after consecutive read failures",
					"failures", failures, "error", err)
				return ReasonReadFailures
			}
			logger.Warn("read failed, retrying", "attempt", failures, "error", err)
			if !sleep(ctx, r.opts.RetryDelay) {
				return ReasonStopped
			}
			continue
		}
		failures = 0

		seq++
		f.CameraID = h.id
		f.Seq = seq
		if f.Captured.IsZero() {
			f.Captured = time.Now()
		}

		if ctx.Err() != nil || !raw.Write(f) {
			return ReasonStopped
		}
		h.stats.Frames.Add(1)
		h.stats.LastSeq.Store(seq)
		r.opts.Metrics.FrameCaptured(h.id, time.Since(f.Captured))

		out, count, err := r.opts.Detector.Infer(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return ReasonStopped
			}
			h.stats.DetectionErrors.Add(1)
			r.opts.Metrics.DetectionFailed(h.id)
			logger.Warn("detection failed, skipping annotation", "seq", seq, "error", err)
			continue
		}
		if out == nil || out == f {
			out = f.WithData(f.Data)
		}
		out.CameraID = h.id
		out.Seq = seq
		out.Captured = f.Captured
		out.Detections = count

		if ctx.Err() != nil || !annotated.Write(out) {
			return ReasonStopped
		}
		if r.opts.Notifier != nil {
			r.opts.Notifier.Emit(h.id, count, seq)
		}
	}
}

// sleep waits for d or until ctx is done. It returns false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
