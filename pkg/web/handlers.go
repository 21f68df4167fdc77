package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/camfleet/pkg/camera"
	"github.com/teslashibe/camfleet/pkg/distribute"
	"github.com/teslashibe/camfleet/pkg/frame"
	"github.com/teslashibe/camfleet/pkg/stream"
)

const mjpegTransport = "mjpeg"

// streamRequest is the body of /stream/start and /stream/stop.
type streamRequest struct {
	ID     string
	Source string
}

// parseStreamRequest reads id and source from a JSON or form body. "url" is
// accepted for source, and a numeric source is a device index.
func parseStreamRequest(c *fiber.Ctx) (streamRequest, error) {
	var req streamRequest

	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEApplicationJSON) {
		var body map[string]any
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &body); err != nil {
				return req, fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
			}
		}
		req.ID = field(body["id"])
		req.Source = field(body["source"])
		if req.Source == "" {
			req.Source = field(body["url"])
		}
	} else {
		req.ID = c.FormValue("id")
		req.Source = c.FormValue("source")
		if req.Source == "" {
			req.Source = c.FormValue("url")
		}
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Source = strings.TrimSpace(req.Source)
	return req, nil
}

func field(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// handleStart starts a camera worker.
func (s *Server) handleStart(c *fiber.Ctx) error {
	req, err := parseStreamRequest(c)
	if err != nil {
		return err
	}
	if req.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id is required"})
	}
	if req.Source == "" {
		req.Source = s.config.DefaultSource
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.config.StartTimeout)
	defer cancel()

	res, err := s.deps.Streams.Start(ctx, req.ID, req.Source)
	switch {
	case errors.Is(err, stream.ErrInvalidCameraID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, stream.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, stream.ErrStartAborted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		s.logger.Warn("stream start failed", "camera", req.ID, "source", req.Source, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	if res == stream.AlreadyRunning {
		return c.JSON(fiber.Map{"status": "already running"})
	}
	return c.JSON(fiber.Map{"status": "started " + req.ID})
}

// handleStop stops a camera worker.
func (s *Server) handleStop(c *fiber.Ctx) error {
	req, err := parseStreamRequest(c)
	if err != nil {
		return err
	}
	if req.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id is required"})
	}

	res, err := s.deps.Streams.Stop(req.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if res == stream.NotRunning {
		return c.JSON(fiber.Map{"status": "not running"})
	}
	s.deps.Frames.Forget(req.ID)
	return c.JSON(fiber.Map{"status": "stopped " + req.ID})
}

// handleStatus lists active camera ids.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"active_streams": s.deps.Streams.List()})
}

// handleStreams returns per-stream details.
func (s *Server) handleStreams(c *fiber.Ctx) error {
	return c.JSON(s.deps.Streams.Info())
}

// handleMounts returns the active websocket mounts.
func (s *Server) handleMounts(c *fiber.Ctx) error {
	if s.deps.Mounts == nil {
		return c.JSON([]any{})
	}
	return c.JSON(s.deps.Mounts.Mounts())
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"streams": len(s.deps.Streams.List()),
	})
}

// handlePresets returns the capture presets.
func (s *Server) handlePresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"names":   camera.PresetNames(),
		"presets": camera.Presets(),
	})
}

// handleCameraConfig returns the capture settings new streams open with:
// the defaults, or camera's own settings with ?camera=id.
func (s *Server) handleCameraConfig(c *fiber.Ctx) error {
	if s.deps.Camera == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera config not available")
	}
	if id := c.Query("camera"); id != "" {
		return c.JSON(s.deps.Camera.For(id))
	}
	return c.JSON(s.deps.Camera.Defaults())
}

// handleUpdateCameraConfig applies a preset and/or field overrides to the
// defaults, or to one camera when the body names it with "camera".
func (s *Server) handleUpdateCameraConfig(c *fiber.Ctx) error {
	if s.deps.Camera == nil {
		return fiber.NewError(fiber.StatusNotFound, "camera config not available")
	}
	var params map[string]any
	if err := json.Unmarshal(c.Body(), &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	id, _ := params["camera"].(string)
	cfg, err := s.deps.Camera.Update(strings.TrimSpace(id), params)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(cfg)
}

// heartbeat is written between parts while no new frame is available. Bytes
// outside a part's Content-Length are ignored by multipart readers.
var heartbeat = []byte("\r\n")

// handleVideo streams ch for a camera as multipart JPEG. The response starts
// at once, even before the camera has a frame, and ends when a write fails
// because the client went away, on Shutdown, or after IdleTimeout without a
// frame when one is set.
func (s *Server) handleVideo(ch frame.Channel) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")

		c.Set(fiber.HeaderContentType, distribute.ContentType)
		c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			ctx, cancel := context.WithCancel(s.ctx)
			defer cancel()

			if s.deps.Viewers != nil {
				s.deps.Viewers.ViewerJoined(mjpegTransport, ch.String())
				defer s.deps.Viewers.ViewerLeft(mjpegTransport, ch.String())
			}
			s.logger.Debug("mjpeg viewer connected", "camera", id, "channel", ch)
			defer s.logger.Debug("mjpeg viewer disconnected", "camera", id, "channel", ch)

			// An empty flush sends nothing, headers included.
			if writeChunk(w, heartbeat) != nil {
				return
			}

			chunks := make(chan []byte)
			go func() {
				defer close(chunks)
				for chunk := range s.deps.Frames.Stream(ctx, id, ch) {
					select {
					case chunks <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}()

			beat := time.NewTicker(s.config.Heartbeat)
			defer beat.Stop()

			var idle <-chan time.Time
			var idleTimer *time.Timer
			if s.config.IdleTimeout > 0 {
				idleTimer = time.NewTimer(s.config.IdleTimeout)
				defer idleTimer.Stop()
				idle = idleTimer.C
			}

			for {
				select {
				case chunk, ok := <-chunks:
					if !ok || writeChunk(w, chunk) != nil {
						return
					}
					beat.Reset(s.config.Heartbeat)
					if idleTimer != nil {
						idleTimer.Reset(s.config.IdleTimeout)
					}
					if s.deps.Viewers != nil {
						s.deps.Viewers.FrameServed(mjpegTransport, ch.String())
					}
				case <-beat.C:
					if writeChunk(w, heartbeat) != nil {
						return
					}
				case <-idle:
					return
				case <-ctx.Done():
					return
				}
			}
		})
		return nil
	}
}

func writeChunk(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// checkChannel rejects unknown channels before the websocket upgrade.
func (s *Server) checkChannel(c *fiber.Ctx) error {
	ch, err := frame.ParseChannel(c.Params("channel"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	c.Locals("channel", ch)
	return c.Next()
}

// handleMountWS attaches a websocket viewer to a media mount.
func (s *Server) handleMountWS(c *websocket.Conn) {
	ch, _ := c.Locals("channel").(frame.Channel)
	id := c.Params("id")
	if err := s.deps.Mounts.Serve(c, ch, id); err != nil {
		s.logger.Debug("mount attach failed", "camera", id, "channel", ch, "error", err)
	}
}

func (s *Server) handleDashboard(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(dashboardHTML)
}
