// Package app wires the camfleet pipeline together: capture registry,
// detection, distribution, events, media mounts and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/camfleet/internal/config"
	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/capture"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/distribute"
	"github.com/teslashibe/camfleet/pkg/events"
	"github.com/teslashibe/camfleet/pkg/frame"
	"github.com/teslashibe/camfleet/pkg/mediaserver"
	"github.com/teslashibe/camfleet/pkg/metrics"
	"github.com/teslashibe/camfleet/pkg/stream"
	"github.com/teslashibe/camfleet/pkg/web"
)

// Backends supplies the native implementations. They live outside this
// package so it builds without OpenCV.
type Backends struct {
	// Opener handles specs with no registered scheme: device indexes,
	// network URLs and files.
	Opener capture.Opener

	// Encoder turns frames into JPEG. nil uses frame.JPEGEncoder.
	Encoder distribute.Encoder

	// NewDetector builds the "yolo" detector.
	NewDetector func(detection.Config, *slog.Logger) (detection.Detector, error)
}

// App is a running camfleet server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metrics.Metrics
	camera   *camera.Manager
	detector detection.Detector
	registry *stream.Registry
	dist     *distribute.Distributor
	notifier *events.Notifier
	media    *mediaserver.Server
	web      *web.Server
	hooks    *workerHooks
}

// New builds every component. Brokers are dialled here, so an unreachable
// MQTT or NATS server fails startup.
func New(cfg *config.Config, backends Backends, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		camera:  camera.NewManager(cfg.Camera),
	}

	var err error
	for _, cam := range cfg.Cameras {
		if cam.Preset == "" {
			continue
		}
		if _, err = a.camera.Update(cam.ID, map[string]any{"preset": cam.Preset}); err != nil {
			return nil, fmt.Errorf("app: camera %s: %w", cam.ID, err)
		}
	}

	a.detector, err = newDetector(cfg, backends, logger)
	if err != nil {
		return nil, err
	}

	pub, err := newPublisher(cfg.Events, logger)
	if err != nil {
		a.detector.Close()
		return nil, err
	}
	a.notifier = events.NewNotifier(pub, cfg.Events.Notifier, logger, a.metrics)

	router := capture.NewRouter(backends.Opener)
	encoder := backends.Encoder
	if encoder == nil {
		encoder = frame.JPEGEncoder{Quality: cfg.Camera.Quality}
	}

	// hooks.registry and hooks.dist are filled in below; no worker runs
	// before then.
	hooks := &workerHooks{Metrics: a.metrics, notifier: a.notifier}
	a.hooks = hooks
	a.registry, err = stream.NewRegistry(stream.Options{
		Opener:          router,
		Detector:        a.detector,
		Notifier:        a.notifier,
		Metrics:         hooks,
		Logger:          logger,
		Camera:          a.camera,
		MaxReadFailures: cfg.Stream.MaxReadFailures,
		RetryDelay:      cfg.Stream.RetryDelay,
	})
	if err != nil {
		a.closeEvents()
		a.detector.Close()
		return nil, err
	}
	hooks.registry = a.registry

	a.dist = distribute.New(a.registry, encoder, cfg.Distribute, logger)
	hooks.dist = a.dist

	a.media = mediaserver.New(a.dist, cfg.Media, logger, a.metrics)

	a.web, err = web.NewServer(cfg.HTTP, web.Deps{
		Streams: a.registry,
		Frames:  a.dist,
		Mounts:  a.media,
		Camera:  a.camera,
		Metrics: a.metrics.Handler(),
		Viewers: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		a.closeEvents()
		a.detector.Close()
		return nil, err
	}
	return a, nil
}

func newDetector(cfg *config.Config, backends Backends, logger *slog.Logger) (detection.Detector, error) {
	switch cfg.Detector {
	case config.DetectorMock:
		logger.Info("using mock detector")
		return detection.NewMock(), nil
	case config.DetectorYOLO:
		if backends.NewDetector == nil {
			return nil, fmt.Errorf("app: detector %q not available in this build", cfg.Detector)
		}
		d, err := backends.NewDetector(cfg.Detection, logger)
		if err != nil {
			return nil, fmt.Errorf("app: load detector (set detector: mock to run without a model): %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("app: unknown detector %q", cfg.Detector)
}

// newPublisher connects the configured brokers. With none configured events
// are logged at debug level.
func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	var pubs events.Multi

	if cfg.MQTT.Broker != "" {
		c, err := events.NewMQTTClient(cfg.MQTT, logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, c)
	}
	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(cfg.NATS, logger)
		if err != nil {
			pubs.Close()
			return nil, err
		}
		pubs = append(pubs, p)
	}

	switch len(pubs) {
	case 0:
		return events.LogPublisher{Logger: logger}, nil
	case 1:
		return pubs[0], nil
	}
	return pubs, nil
}

// Registry returns the stream registry.
func (a *App) Registry() *stream.Registry { return a.registry }

// Notifier returns the event notifier.
func (a *App) Notifier() *events.Notifier { return a.notifier }

// Web returns the HTTP server.
func (a *App) Web() *web.Server { return a.web }

// Metrics returns the Prometheus collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Run serves until ctx is done or the HTTP server fails, then shuts every
// component down in dependency order.
func (a *App) Run(ctx context.Context) error {
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		a.notifier.Run(notifyCtx)
	}()

	httpErr := make(chan error, 1)
	go func() { httpErr <- a.web.Start() }()

	a.logger.Info("publishing detection events", "topics", a.notifier.Topics().All())
	a.startCameras(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-httpErr:
		if err != nil {
			runErr = fmt.Errorf("app: http server: %w", err)
		}
	}

	shutdownErr := a.shutdown(stopNotify, notifyDone)
	return errors.Join(runErr, shutdownErr)
}

// startCameras starts the feeds listed in the config. Failures are logged;
// other cameras still start.
func (a *App) startCameras(ctx context.Context) {
	for _, cam := range a.cfg.Cameras {
		sctx, cancel := context.WithTimeout(ctx, a.cfg.HTTP.StartTimeout)
		res, err := a.registry.Start(sctx, cam.ID, cam.Source)
		cancel()
		if err != nil {
			a.logger.Error("camera failed to start", "camera", cam.ID, "source", cam.Source, "error", err)
			continue
		}
		a.logger.Info("camera configured", "camera", cam.ID, "result", res)
	}
}

func (a *App) shutdown(stopNotify context.CancelFunc, notifyDone <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	// HTTP first so MJPEG responses end and no new starts arrive.
	if err := a.web.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.media.Close()

	a.registry.StopAll()
	if err := a.registry.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers did not stop: %w", err))
	}

	// Workers are gone, so nothing emits; flush what is queued.
	stopNotify()
	select {
	case <-notifyDone:
	case <-ctx.Done():
		errs = append(errs, errors.New("event flush timed out"))
	}
	a.closeEvents()

	if err := a.detector.Close(); err != nil {
		errs = append(errs, fmt.Errorf("detector close: %w", err))
	}

	stats := a.notifier.Stats()
	a.logger.Info("shutdown complete",
		"events_published", stats.Published,
		"events_dropped", stats.Dropped,
		"events_failed", stats.Failed)
	return errors.Join(errs...)
}

func (a *App) closeEvents() {
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("event publisher close failed", "error", err)
	}
}

// workerHooks records worker metrics and drops per-camera state when a
// worker ends, whether stopped or self-terminated.
type workerHooks struct {
	*metrics.Metrics
	registry *stream.Registry
	dist     *distribute.Distributor
	notifier *events.Notifier
}

func (h *workerHooks) WorkerStopped(cameraID, reason string) {
	h.Metrics.WorkerStopped(cameraID, reason)
	// A stopped worker leaves the registry before this runs, so a handle
	// found here is a restart that owns the camera's state now.
	if h.registry != nil {
		if _, ok := h.registry.Lookup(cameraID); ok {
			return
		}
	}
	h.Metrics.Forget(cameraID)
	if h.dist != nil {
		h.dist.Forget(cameraID)
	}
	h.notifier.Forget(cameraID)
}
