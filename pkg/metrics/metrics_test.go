package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerLifecycle(t *testing.T) {
	m := New()

	m.WorkerStarted("cam1")
	m.WorkerStarted("cam2")
	m.FrameCaptured("cam1", 3*time.Millisecond)
	m.FrameCaptured("cam1", 3*time.Millisecond)
	m.DetectionFailed("cam1")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesCaptured.WithLabelValues("cam1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DetectionErrors.WithLabelValues("cam1")))

	m.WorkerStopped("cam1", "stopped")
	m.WorkerStopped("cam3", "open_failed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerStops.WithLabelValues("open_failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.FramesCaptured), "series kept until forgotten")

	m.Forget("cam1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.FramesCaptured))
	assert.Equal(t, 0, testutil.CollectAndCount(m.DetectionErrors))
}

func TestEventsAndViewers(t *testing.T) {
	m := New()

	m.EventPublished("person")
	m.EventDropped()
	m.EventFailed()
	m.ViewerJoined("mjpeg", "annotated")
	m.ViewerJoined("mjpeg", "annotated")
	m.ViewerLeft("mjpeg", "annotated")
	m.FrameServed("ws", "raw")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("person")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Viewers.WithLabelValues("mjpeg", "annotated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesServed.WithLabelValues("ws", "raw")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.WorkerStarted("cam1")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "camfleet_stream_active 1")
	assert.Contains(t, string(body), "go_goroutines")
}
