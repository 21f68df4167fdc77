// camfleet - multi-camera capture, detection and frame distribution server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/camfleet/internal/app"
	"github.com/teslashibe/camfleet/internal/config"
	"github.com/teslashibe/camfleet/internal/log"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/vision"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config and "+config.EnvHTTPAddr+")")
	detector := flag.String("detector", "", "Detector backend: yolo or mock")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *detector != "" {
		cfg.Detector = *detector
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel)
	logger := log.L()

	backends := app.Backends{
		Opener:  vision.Opener{Logger: logger},
		Encoder: vision.JPEGEncoder{Quality: cfg.Camera.Quality},
		NewDetector: func(dc detection.Config, l *slog.Logger) (detection.Detector, error) {
			return vision.NewYOLO(dc, l)
		},
	}

	a, err := app.New(cfg, backends, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("camfleet starting",
		"addr", cfg.HTTP.Addr,
		"detector", cfg.Detector,
		"cameras", len(cfg.Cameras),
		"mqtt", cfg.Events.MQTT.Broker,
		"nats", cfg.Events.NATS.URL)

	if err := a.Run(ctx); err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}
