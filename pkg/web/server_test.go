package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/distribute"
	"github.com/teslashibe/camfleet/pkg/frame"
	"github.com/teslashibe/camfleet/pkg/hub"
	"github.com/teslashibe/camfleet/pkg/mediaserver"
	"github.com/teslashibe/camfleet/pkg/stream"
)

type startCall struct {
	id, spec string
}

// fakeStreams records calls and keeps a set of running ids.
type fakeStreams struct {
	mu      sync.Mutex
	running map[string]string
	starts  []startCall
	openErr error
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{running: make(map[string]string)}
}

func (f *fakeStreams) Start(_ context.Context, id, spec string) (stream.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{id, spec})
	if id == "" {
		return 0, stream.ErrInvalidCameraID
	}
	if f.openErr != nil {
		return 0, f.openErr
	}
	if _, ok := f.running[id]; ok {
		return stream.AlreadyRunning, nil
	}
	f.running[id] = spec
	return stream.Started, nil
}

func (f *fakeStreams) Stop(id string) (stream.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return stream.NotRunning, nil
	}
	delete(f.running, id)
	return stream.Stopped, nil
}

func (f *fakeStreams) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeStreams) Info() []stream.HandleInfo {
	var infos []stream.HandleInfo
	for _, id := range f.List() {
		infos = append(infos, stream.HandleInfo{ID: id, State: stream.Running.String()})
	}
	return infos
}

func (f *fakeStreams) lastStart() startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

// fakeFrames yields a fixed set of JPEG payloads as chunks, then ends.
type fakeFrames struct {
	jpegs  [][]byte
	mu     sync.Mutex
	forgot []string
}

func (f *fakeFrames) Stream(ctx context.Context, _ string, _ frame.Channel) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for _, j := range f.jpegs {
			if ctx.Err() != nil || !yield(distribute.Chunk(j)) {
				return
			}
		}
	}
}

func (f *fakeFrames) Forget(id string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, id)
	f.mu.Unlock()
}

// fakeMounts writes one binary message naming the mount, then returns.
type fakeMounts struct{}

func (fakeMounts) Serve(conn hub.Conn, ch frame.Channel, id string) error {
	return conn.WriteMessage(websocket.BinaryMessage, []byte(ch.String()+"/"+id))
}

func (fakeMounts) Mounts() []mediaserver.MountInfo {
	return []mediaserver.MountInfo{{Path: "raw/cam1", Viewers: 1}}
}

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *fakeStreams, *fakeFrames) {
	t.Helper()
	streams := newFakeStreams()
	frames := &fakeFrames{jpegs: [][]byte{[]byte("one"), []byte("two")}}
	deps := Deps{
		Streams: streams,
		Frames:  frames,
		Mounts:  fakeMounts{},
		Camera:  camera.NewManager(camera.DefaultConfig()),
		Metrics: promhttp.Handler(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := NewServer(DefaultConfig(), deps)
	require.NoError(t, err)
	return s, streams, frames
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Deps{})
	assert.Error(t, err)

	_, err = NewServer(Config{}, Deps{Streams: newFakeStreams(), Frames: &fakeFrames{}})
	assert.Error(t, err)
}

func TestStartStop_JSON(t *testing.T) {
	s, streams, frames := newTestServer(t, nil)
	app := s.App()

	code, body := doJSON(t, app, "POST", "/stream/start", `{"id":"cam1","source":"testpattern://"}`)
	assert.Equal(t, 200, code)
	assert.Equal(t, "started cam1", body["status"])
	assert.Equal(t, startCall{"cam1", "testpattern://"}, streams.lastStart())

	code, body = doJSON(t, app, "POST", "/stream/start", `{"id":"cam1","source":"testpattern://"}`)
	assert.Equal(t, 200, code)
	assert.Equal(t, "already running", body["status"])

	code, body = doJSON(t, app, "GET", "/status", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, []any{"cam1"}, body["active_streams"])

	code, body = doJSON(t, app, "POST", "/stream/stop", `{"id":"cam1"}`)
	assert.Equal(t, 200, code)
	assert.Equal(t, "stopped cam1", body["status"])
	assert.Equal(t, []string{"cam1"}, frames.forgot)

	code, body = doJSON(t, app, "POST", "/stream/stop", `{"id":"cam1"}`)
	assert.Equal(t, 200, code)
	assert.Equal(t, "not running", body["status"])
}

func TestStart_SourceForms(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"source string", `{"id":"c","source":"rtsp://h/s"}`, "rtsp://h/s"},
		{"url alias", `{"id":"c","url":"rtsp://h/u"}`, "rtsp://h/u"},
		{"numeric device", `{"id":"c","source":2}`, "2"},
		{"missing source", `{"id":"c"}`, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, streams, _ := newTestServer(t, nil)
			code, _ := doJSON(t, s.App(), "POST", "/stream/start", tt.body)
			assert.Equal(t, 200, code)
			assert.Equal(t, tt.want, streams.lastStart().spec)
		})
	}
}

func TestStart_FormEncoded(t *testing.T) {
	s, streams, _ := newTestServer(t, nil)

	form := url.Values{"id": {"cam2"}, "url": {"0"}}
	req := httptest.NewRequest("POST", "/stream/start", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, startCall{"cam2", "0"}, streams.lastStart())
}

func TestStart_Errors(t *testing.T) {
	t.Run("missing id", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)
		code, body := doJSON(t, s.App(), "POST", "/stream/start", `{"source":"0"}`)
		assert.Equal(t, 400, code)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("bad json", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)
		code, body := doJSON(t, s.App(), "POST", "/stream/start", `{"id":`)
		assert.Equal(t, 400, code)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("open failure", func(t *testing.T) {
		s, streams, _ := newTestServer(t, nil)
		streams.openErr = capture.OpenError("rtsp://nowhere", errors.New("connection refused"))
		code, body := doJSON(t, s.App(), "POST", "/stream/start", `{"id":"cam1","source":"rtsp://nowhere"}`)
		assert.Equal(t, 500, code)
		assert.Contains(t, body["error"], "connection refused")
		assert.Empty(t, streams.List())
	})

	t.Run("registry closed", func(t *testing.T) {
		s, streams, _ := newTestServer(t, nil)
		streams.openErr = stream.ErrClosed
		code, _ := doJSON(t, s.App(), "POST", "/stream/start", `{"id":"cam1"}`)
		assert.Equal(t, 503, code)
	})

	t.Run("stopped while opening", func(t *testing.T) {
		s, streams, _ := newTestServer(t, nil)
		streams.openErr = fmt.Errorf("%w: cam1", stream.ErrStartAborted)
		code, body := doJSON(t, s.App(), "POST", "/stream/start", `{"id":"cam1"}`)
		assert.Equal(t, 409, code)
		assert.Contains(t, body["error"], "stopped while starting")
	})
}

func TestVideo_MultipartStream(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	for _, path := range []string{"/video/cam1", "/video_raw/cam1"} {
		t.Run(path, func(t *testing.T) {
			resp, err := s.App().Test(httptest.NewRequest("GET", path, nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, distribute.ContentType, resp.Header.Get("Content-Type"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			want := "\r\n" + string(distribute.Chunk([]byte("one"))) + string(distribute.Chunk([]byte("two")))
			assert.Equal(t, want, string(body))
		})
	}
}

// noCameras knows no camera, like a registry before any start.
type noCameras struct{}

func (noCameras) Buffer(string, frame.Channel) (*frame.Buffer, bool) { return nil, false }

type viewerCounter struct {
	joined, left, served atomic.Int32
}

func (v *viewerCounter) ViewerJoined(string, string) { v.joined.Add(1) }
func (v *viewerCounter) ViewerLeft(string, string)   { v.left.Add(1) }
func (v *viewerCounter) FrameServed(string, string)  { v.served.Add(1) }

func TestVideo_IdleCameraKeepsConnectionOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat = 20 * time.Millisecond
	viewers := &viewerCounter{}
	s, err := NewServer(cfg, Deps{
		Streams: newFakeStreams(),
		Frames:  distribute.New(noCameras{}, nil, distribute.DefaultConfig(), nil),
		Viewers: viewers,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.App().Listener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("http://%s/video/ghost", ln.Addr()), nil)
	require.NoError(t, err)

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "headers must not wait for a frame")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, distribute.ContentType, resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 1, viewers.joined.Load())

	// Blank lines keep arriving while the camera has nothing to show.
	buf := make([]byte, 16)
	total := 0
	for total < 6 {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		total += n
	}
	assert.Zero(t, viewers.served.Load())

	// The next heartbeat after the client leaves ends the response.
	resp.Body.Close()
	require.Eventually(t, func() bool { return viewers.left.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Heartbeat = 0
	assert.ErrorContains(t, cfg.Validate(), "heartbeat")

	cfg = DefaultConfig()
	cfg.IdleTimeout = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "idle_timeout")
}

func TestAPI_Endpoints(t *testing.T) {
	s, streams, _ := newTestServer(t, nil)
	streams.running["cam1"] = "0"

	tests := []struct {
		path     string
		contains string
	}{
		{"/health", `"status":"ok"`},
		{"/api/streams", `"id":"cam1"`},
		{"/api/mounts", `"path":"raw/cam1"`},
		{"/api/camera/presets", `"720p"`},
		{"/api/camera/config", `"width":640`},
		{"/metrics", "go_goroutines"},
		{"/dashboard", "<title>camfleet</title>"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := s.App().Test(httptest.NewRequest("GET", tt.path, nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, 200, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestCameraConfig_Update(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	code, body := doJSON(t, s.App(), "POST", "/api/camera/config", `{"preset":"720p","framerate":10}`)
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 1280, body["width"])
	assert.EqualValues(t, 10, body["framerate"])

	code, body = doJSON(t, s.App(), "POST", "/api/camera/config", `{"preset":"nope"}`)
	assert.Equal(t, 400, code)
	assert.Contains(t, body["error"], "unknown preset")
}

func TestCameraConfig_PerCamera(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	code, body := doJSON(t, s.App(), "POST", "/api/camera/config", `{"camera":"door","preset":"low"}`)
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 320, body["width"])

	code, body = doJSON(t, s.App(), "GET", "/api/camera/config?camera=door", "")
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 320, body["width"])

	_, body = doJSON(t, s.App(), "GET", "/api/camera/config", "")
	assert.EqualValues(t, 640, body["width"], "defaults unchanged")
}

func TestWebSocket_UpgradeRequired(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/ws/raw/cam1", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestWebSocket_Mount(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.App().Listener(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	base := fmt.Sprintf("ws://%s", ln.Addr())

	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/annotated/cam7", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, "annotated/cam7", string(data))

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/thermal/cam7", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
