// viewer - camfleet client: ensures a stream is running, tails its detection
// events over MQTT and reads its MJPEG feed, optionally in a window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/camfleet/internal/httpc"
	"github.com/teslashibe/camfleet/internal/log"
	"github.com/teslashibe/camfleet/pkg/events"
	"github.com/teslashibe/camfleet/pkg/frame"
)

type options struct {
	server    string
	id        string
	source    string
	channel   frame.Channel
	broker    string
	prefix    string
	allEvents bool
	frames    int
	outDir    string
	show      bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(2)
	}

	log.Init("info")
	logger := log.L()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ensureStream(ctx, opts); err != nil {
		logger.Error("could not start stream", "camera", opts.id, "error", err)
		os.Exit(1)
	}
	printStatus(ctx, opts.server)

	if opts.broker != "" {
		client, err := tailEvents(opts, logger)
		if err != nil {
			logger.Warn("mqtt unavailable, continuing without events", "error", err)
		} else {
			defer client.Close()
		}
	}

	if err := watch(ctx, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stream ended", "error", err)
		os.Exit(1)
	}
	fmt.Println("Client terminated.")
}

func parseFlags() (options, error) {
	var o options
	channel := flag.String("channel", "annotated", "Feed to watch: annotated or raw")
	flag.StringVar(&o.server, "server", "http://localhost:8000", "camfleet API base URL")
	flag.StringVar(&o.id, "id", "video1", "Camera id")
	flag.StringVar(&o.source, "source", "0", "Source to start if the camera is not running")
	flag.StringVar(&o.broker, "mqtt", "", "MQTT broker for events, e.g. localhost:1883 (empty disables)")
	flag.StringVar(&o.prefix, "topic-prefix", "events", "Event topic prefix")
	flag.BoolVar(&o.allEvents, "all-events", false, "Print events from every camera, not just -id")
	flag.IntVar(&o.frames, "frames", 0, "Stop after this many frames (0 = run until interrupted)")
	flag.StringVar(&o.outDir, "out", "", "Directory to save received JPEGs to")
	flag.BoolVar(&o.show, "show", false, "Display frames in a window (press q to quit)")
	flag.Parse()

	ch, err := frame.ParseChannel(*channel)
	if err != nil {
		return o, err
	}
	o.channel = ch
	if o.broker != "" && !hasScheme(o.broker) {
		o.broker = "tcp://" + o.broker
	}
	return o, nil
}

func hasScheme(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ensureStream asks the server to start the camera; "already running" is
// fine.
func ensureStream(ctx context.Context, o options) error {
	fmt.Printf("[INFO] Checking or starting stream %q...\n", o.id)

	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	err := httpc.PostJSON(ctx, o.server+"/stream/start", map[string]string{
		"id":     o.id,
		"source": o.source,
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("[INFO] %s\n", resp.Status)
	return nil
}

func printStatus(ctx context.Context, server string) {
	var status struct {
		Active []string `json:"active_streams"`
	}
	if err := httpc.GetJSON(ctx, server+"/status", &status); err != nil {
		fmt.Printf("[WARNING] Could not fetch status: %v\n", err)
		return
	}
	fmt.Printf("[INFO] Active streams: %v\n", status.Active)
}

// tailEvents prints every event for the camera, or for the whole fleet with
// -all-events.
func tailEvents(o options, logger *slog.Logger) (*events.MQTTClient, error) {
	cfg := events.DefaultMQTTConfig()
	cfg.Broker = o.broker
	client, err := events.NewMQTTClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	topics := events.NewTopics(o.prefix)
	filter := topics.Camera(o.id)
	if o.allEvents {
		filter = topics.All()
	}
	err = client.Subscribe(filter, func(topic string, ev events.DetectionEvent) {
		fmt.Printf("[MQTT] %s → count=%d seq=%d at %s\n",
			topic, ev.Count, ev.Seq, ev.Timestamp.Format(time.TimeOnly))
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	fmt.Printf("[MQTT] Subscribed to %s\n", filter)
	return client, nil
}

// watch reads the MJPEG feed until ctx is done, the frame limit is reached
// or the window is closed.
func watch(ctx context.Context, o options, logger *slog.Logger) error {
	path := "/video/"
	if o.channel == frame.Raw {
		path = "/video_raw/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.server+path+url.PathEscape(o.id), nil)
	if err != nil {
		return err
	}

	// No client timeout: the response is unbounded and ends with ctx.
	resp, err := httpc.NewClient(0).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if o.outDir != "" {
		if err := os.MkdirAll(o.outDir, 0o755); err != nil {
			return err
		}
	}

	var window *gocv.Window
	if o.show {
		window = gocv.NewWindow(fmt.Sprintf("Stream: %s (%s)", o.id, o.channel))
		defer window.Close()
	}

	rate := newRateMeter(time.Now())
	count := 0
	errStop := errors.New("stop")

	err = readMJPEG(resp.Header.Get("Content-Type"), resp.Body, func(jpeg []byte) error {
		count++
		if fps, ok := rate.tick(time.Now()); ok {
			logger.Info("receiving", "camera", o.id, "channel", o.channel, "frames", count, "fps", fmt.Sprintf("%.1f", fps))
		}

		if o.outDir != "" {
			name := filepath.Join(o.outDir, fmt.Sprintf("%s-%06d.jpg", o.id, count))
			if err := os.WriteFile(name, jpeg, 0o644); err != nil {
				return err
			}
		}
		if window != nil {
			if img, err := gocv.IMDecode(jpeg, gocv.IMReadColor); err == nil {
				if !img.Empty() {
					window.IMShow(img)
				}
				img.Close()
			}
			if window.WaitKey(1) == 'q' {
				return errStop
			}
		}
		if o.frames > 0 && count >= o.frames {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
