// Package web serves the camfleet HTTP API: stream control, MJPEG viewers,
// websocket mounts, the dashboard page, health and metrics.
package web

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/frame"
	"github.com/teslashibe/camfleet/pkg/hub"
	"github.com/teslashibe/camfleet/pkg/mediaserver"
	"github.com/teslashibe/camfleet/pkg/stream"
)

// Streams controls capture workers. *stream.Registry implements it.
type Streams interface {
	Start(ctx context.Context, id, spec string) (stream.StartResult, error)
	Stop(id string) (stream.StopResult, error)
	List() []string
	Info() []stream.HandleInfo
}

// Frames produces push sequences. *distribute.Distributor implements it.
type Frames interface {
	Stream(ctx context.Context, id string, ch frame.Channel) iter.Seq[[]byte]
	Forget(id string)
}

// Mounts attaches websocket viewers. *mediaserver.Server implements it.
type Mounts interface {
	Serve(conn hub.Conn, ch frame.Channel, id string) error
	Mounts() []mediaserver.MountInfo
}

// ViewerMetrics observes MJPEG viewers.
type ViewerMetrics interface {
	ViewerJoined(transport, channel string)
	ViewerLeft(transport, channel string)
	FrameServed(transport, channel string)
}

// Config holds HTTP server settings.
type Config struct {
	Addr string `yaml:"addr"`

	// StartTimeout bounds how long POST /stream/start waits for the source
	// to open.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// Heartbeat is how often an MJPEG response with no new frame writes a
	// blank line, so the headers go out at once and a dropped client is
	// noticed while the camera is idle.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// IdleTimeout ends an MJPEG response that has produced no frame for this
	// long. Zero keeps idle responses open until the client leaves.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DefaultSource is used when a start request names no source.
	DefaultSource string `yaml:"default_source"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8000",
		StartTimeout:  10 * time.Second,
		Heartbeat:     2 * time.Second,
		DefaultSource: "0",
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("web: addr is required")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("web: start_timeout must be positive")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("web: heartbeat must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("web: idle_timeout must not be negative")
	}
	return nil
}

// Deps are the components the server fronts. Streams and Frames are
// required; the rest are optional.
type Deps struct {
	Streams Streams
	Frames  Frames
	Mounts  Mounts
	Camera  *camera.Manager
	Metrics http.Handler
	Viewers ViewerMetrics
	Logger  *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	app    *fiber.App
	config Config
	deps   Deps
	logger *slog.Logger

	// ctx is cancelled on Shutdown so open MJPEG responses end.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Streams == nil || deps.Frames == nil {
		return nil, fmt.Errorf("web: streams and frames are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger.With("component", "web"),
		ctx:    ctx,
		cancel: cancel,
	}

	app := fiber.New(fiber.Config{
		AppName:               "camfleet",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Get("/status", s.handleStatus)
	app.Get("/dashboard", s.handleDashboard)

	app.Post("/stream/start", s.handleStart)
	app.Post("/stream/stop", s.handleStop)

	app.Get("/video/:id", s.handleVideo(frame.Annotated))
	app.Get("/video_raw/:id", s.handleVideo(frame.Raw))

	api := app.Group("/api")
	api.Get("/streams", s.handleStreams)
	api.Get("/mounts", s.handleMounts)
	api.Get("/camera/presets", s.handlePresets)
	api.Get("/camera/config", s.handleCameraConfig)
	api.Post("/camera/config", s.handleUpdateCameraConfig)

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics))
	}

	if deps.Mounts != nil {
		// WebSocket upgrade middleware
		app.Use("/ws", func(c *fiber.Ctx) error {
			if !websocket.IsWebSocketUpgrade(c) {
				return fiber.ErrUpgradeRequired
			}
			return c.Next()
		})
		app.Get("/ws/:channel/:id", s.checkChannel, websocket.New(s.handleMountWS))
	}

	s.app = app
	return s, nil
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.config.Addr)
	return s.app.Listen(s.config.Addr)
}

// StartAsync starts the server in a goroutine. Listen errors are logged.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("http server failed", "error", err)
		}
	}()
}

// Shutdown ends open streams and stops the server, waiting up to ctx's
// deadline for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
