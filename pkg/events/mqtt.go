package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultMQTTConfig returns settings for a local broker.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:         "tcp://localhost:1883",
		ConnectTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("events: mqtt broker required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("events: mqtt qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// MQTTClient publishes and subscribes over MQTT. It reconnects on its own
// after the initial connection succeeds.
type MQTTClient struct {
	cfg       MQTTConfig
	client    mqtt.Client
	logger    *slog.Logger
	connected atomic.Bool
}

// NewMQTTClient connects to the broker, waiting up to ConnectTimeout.
func NewMQTTClient(cfg MQTTConfig, logger *slog.Logger) (*MQTTClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "camfleet-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	c := &MQTTClient{cfg: cfg, logger: logger.With("component", "mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		c.connected.Store(true)
		c.logger.Info("mqtt connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	c.client = mqtt.NewClient(opts)
	c.logger.Info("connecting to mqtt broker", "broker", cfg.Broker)

	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("events: mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("events: mqtt connect to %s: %w", cfg.Broker, err)
	}
	c.connected.Store(true)
	return c, nil
}

// Connected reports whether the client currently has a broker connection.
func (c *MQTTClient) Connected() bool {
	return c.connected.Load()
}

// Publish implements Publisher.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.Connected() {
		return fmt.Errorf("%w: %w", ErrPublish, ErrNotConnected)
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, topic, err)
	}
	return nil
}

// Subscribe delivers decoded events on filter (for example "events/#") to fn.
// Payloads that are not events are logged and skipped.
func (c *MQTTClient) Subscribe(filter string, fn func(topic string, ev DetectionEvent)) error {
	token := c.client.Subscribe(filter, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		ev, err := ParseEvent(msg.Payload())
		if err != nil {
			c.logger.Warn("ignoring malformed event", "topic", msg.Topic(), "error", err)
			return
		}
		fn(msg.Topic(), ev)
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("events: subscribe %s: timeout", filter)
	}
	return token.Error()
}

// Close disconnects from the broker with a short grace period.
func (c *MQTTClient) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	c.connected.Store(false)
	return nil
}
