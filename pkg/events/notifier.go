package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the Notifier.
type Config struct {
	TopicPrefix    string        `yaml:"topic_prefix"`
	Kind           string        `yaml:"kind"`
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// OnlyOnChange suppresses events whose count equals the previous count
	// for the same camera.
	OnlyOnChange bool `yaml:"only_on_change"`
}

// DefaultConfig publishes every person count on events/{camera}/person.
func DefaultConfig() Config {
	return Config{
		TopicPrefix:    "events",
		Kind:           DefaultKind,
		QueueSize:      256,
		PublishTimeout: 2 * time.Second,
	}
}

// Metrics observes notifier outcomes.
type Metrics interface {
	EventPublished(kind string)
	EventDropped()
	EventFailed()
}

// Stats are cumulative notifier counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Notifier turns detection counts into published events. Emit never blocks:
// events go onto a bounded queue and are dropped when it is full.
type Notifier struct {
	pub     Publisher
	topics  Topics
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	queue chan DetectionEvent

	mu   sync.Mutex
	last map[string]int

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewNotifier creates a notifier. Call Run to start publishing.
func NewNotifier(pub Publisher, cfg Config, logger *slog.Logger, metrics Metrics) *Notifier {
	def := DefaultConfig()
	if cfg.Kind == "" {
		cfg.Kind = def.Kind
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = LogPublisher{Logger: logger}
	}
	return &Notifier{
		pub:     pub,
		topics:  NewTopics(cfg.TopicPrefix),
		cfg:     cfg,
		logger:  logger.With("component", "events"),
		metrics: metrics,
		queue:   make(chan DetectionEvent, cfg.QueueSize),
		last:    make(map[string]int),
	}
}

// Topics returns the notifier's topic builder.
func (n *Notifier) Topics() Topics { return n.topics }

// Emit queues an event for cameraID. It satisfies stream.Notifier.
func (n *Notifier) Emit(cameraID string, count int, seq uint64) {
	if n.cfg.OnlyOnChange {
		n.mu.Lock()
		prev, seen := n.last[cameraID]
		n.last[cameraID] = count
		n.mu.Unlock()
		if seen && prev == count {
			return
		}
	}

	select {
	case n.queue <- NewEvent(cameraID, n.cfg.Kind, count, seq):
	default:
		n.dropped.Add(1)
		if n.metrics != nil {
			n.metrics.EventDropped()
		}
	}
}

// Forget clears change tracking for a camera so its next event is always sent.
func (n *Notifier) Forget(cameraID string) {
	n.mu.Lock()
	delete(n.last, cameraID)
	n.mu.Unlock()
}

// Run publishes queued events until ctx is done, then flushes what is left.
// Each publish is bounded by PublishTimeout rather than by ctx.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.publish(context.Background(), ev)
		case <-ctx.Done():
			n.flush()
			return
		}
	}
}

func (n *Notifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.PublishTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.publish(ctx, ev)
		default:
			return
		}
	}
}

func (n *Notifier) publish(ctx context.Context, ev DetectionEvent) {
	payload, err := ev.Marshal()
	if err != nil {
		n.fail(ev, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PublishTimeout)
	defer cancel()

	topic := n.topics.Event(ev.CameraID, ev.Kind)
	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		n.fail(ev, err)
		return
	}
	n.published.Add(1)
	if n.metrics != nil {
		n.metrics.EventPublished(ev.Kind)
	}
}

func (n *Notifier) fail(ev DetectionEvent, err error) {
	total := n.failed.Add(1)
	if n.metrics != nil {
		n.metrics.EventFailed()
	}
	// A dead broker fails every frame; log the first and then every 100th.
	if total == 1 || total%100 == 0 {
		n.logger.Warn("event publish failed",
			"camera", ev.CameraID, "seq", ev.Seq, "failures", total, "error", err)
	}
}

// Stats returns cumulative counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Published: n.published.Load(),
		Dropped:   n.dropped.Load(),
		Failed:    n.failed.Load(),
	}
}

// Close closes the underlying publisher.
func (n *Notifier) Close() error {
	return n.pub.Close()
}
