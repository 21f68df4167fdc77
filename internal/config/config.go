// Package config loads the camfleet server configuration from a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/camfleet/internal/log"
	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/detection"
	"github.com/teslashibe/camfleet/pkg/distribute"
	"github.com/teslashibe/camfleet/pkg/events"
	"github.com/teslashibe/camfleet/pkg/mediaserver"
	"github.com/teslashibe/camfleet/pkg/web"
)

// Environment variables that override file settings.
const (
	EnvHTTPAddr   = "CAMFLEET_HTTP_ADDR"
	EnvMQTTBroker = "MQTT_BROKER"
	EnvNATSURL    = "NATS_URL"
	EnvLogLevel   = "LOG_LEVEL"
	EnvYOLOModel  = "YOLO_MODEL"
)

// Detector backends.
const (
	DetectorYOLO = "yolo"
	DetectorMock = "mock"
)

// Config is the complete server configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Detector selects the detection backend: "yolo" or "mock".
	Detector string `yaml:"detector"`

	HTTP       web.Config         `yaml:"http"`
	Camera     camera.Config      `yaml:"camera"`
	Detection  detection.Config   `yaml:"detection"`
	Stream     StreamConfig       `yaml:"stream"`
	Distribute distribute.Config  `yaml:"distribute"`
	Media      mediaserver.Config `yaml:"media"`
	Events     EventsConfig       `yaml:"events"`

	// Cameras are started when the server boots.
	Cameras []CameraSpec `yaml:"cameras"`
}

// StreamConfig holds capture worker settings.
type StreamConfig struct {
	MaxReadFailures int           `yaml:"max_read_failures"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// EventsConfig holds the notifier and its brokers. A broker with an empty
// address is disabled; with neither enabled, events are only logged.
type EventsConfig struct {
	Notifier events.Config     `yaml:"notifier"`
	MQTT     events.MQTTConfig `yaml:"mqtt"`
	NATS     events.NATSConfig `yaml:"nats"`
}

// CameraSpec names a feed to start at boot. Preset, if set, overrides the
// fleet-wide camera settings for this feed.
type CameraSpec struct {
	ID     string `yaml:"id"`
	Source string `yaml:"source"`
	Preset string `yaml:"preset,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	mqttCfg := events.DefaultMQTTConfig()
	mqttCfg.Broker = ""
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = ""

	return Config{
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
		Detector:        DetectorYOLO,
		HTTP:            web.DefaultConfig(),
		Camera:          camera.DefaultConfig(),
		Detection:       detection.DefaultConfig(),
		Stream: StreamConfig{
			MaxReadFailures: 5,
			RetryDelay:      100 * time.Millisecond,
		},
		Distribute: distribute.DefaultConfig(),
		Media:      mediaserver.DefaultConfig(),
		Events: EventsConfig{
			Notifier: events.DefaultConfig(),
			MQTT:     mqttCfg,
			NATS:     natsCfg,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvMQTTBroker); ok {
		c.Events.MQTT.Broker = brokerURL(v)
	}
	if v, ok := lookup(EnvNATSURL); ok {
		c.Events.NATS.URL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvYOLOModel); ok && v != "" {
		c.Detection.ModelPath = v
	}
}

// brokerURL accepts "host:port" as well as a full broker URL.
func brokerURL(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "://") {
		return v
	}
	return "tcp://" + v
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}

	switch c.Detector {
	case DetectorMock:
	case DetectorYOLO:
		if err := c.Detection.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("detector must be %q or %q, got %q", DetectorYOLO, DetectorMock, c.Detector))
	}

	if err := c.HTTP.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, msg := range c.Camera.Validate() {
		errs = append(errs, fmt.Errorf("camera: %s", msg))
	}
	if c.Stream.MaxReadFailures <= 0 {
		errs = append(errs, errors.New("stream: max_read_failures must be positive"))
	}
	if c.Stream.RetryDelay < 0 {
		errs = append(errs, errors.New("stream: retry_delay must not be negative"))
	}
	if err := c.Distribute.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Media.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Events.MQTT.Broker != "" {
		if err := c.Events.MQTT.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		id := strings.TrimSpace(cam.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("cameras[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate id %q", i, id))
		}
		if cam.Preset != "" {
			if _, ok := camera.Preset(cam.Preset); !ok {
				errs = append(errs, fmt.Errorf("cameras[%d]: unknown preset %q", i, cam.Preset))
			}
		}
		seen[id] = true
	}

	return errors.Join(errs...)
}
