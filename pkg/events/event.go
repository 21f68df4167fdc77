// Package events publishes detection results to a pub/sub transport.
//
// Publishing is fire-and-forget: a Notifier queues events and drains them on
// its own goroutine, so a slow or unreachable broker never stalls capture.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPublish wraps every transport failure.
	ErrPublish = errors.New("events: publish failed")

	// ErrNotConnected is returned when the transport has no live connection.
	ErrNotConnected = errors.New("events: not connected")
)

// DefaultKind is the event kind for person counts.
const DefaultKind = "person"

// DetectionEvent is one detection result for one frame.
type DetectionEvent struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"camera_id"`
	Kind      string    `json:"kind"`
	Count     int       `json:"count"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(cameraID, kind string, count int, seq uint64) DetectionEvent {
	return DetectionEvent{
		ID:        uuid.NewString(),
		CameraID:  cameraID,
		Kind:      kind,
		Count:     count,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal encodes the event as JSON.
func (e DetectionEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEvent decodes a JSON event payload.
func ParseEvent(data []byte) (DetectionEvent, error) {
	var e DetectionEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("events: decode: %w", err)
	}
	return e, nil
}

// Topics builds topic names under a common prefix.
type Topics struct {
	prefix string
}

// NewTopics creates a topic builder. An empty prefix means "events".
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "events"
	}
	return Topics{prefix: prefix}
}

// Event returns "{prefix}/{cameraID}/{kind}".
func (t Topics) Event(cameraID, kind string) string {
	return t.prefix + "/" + cameraID + "/" + kind
}

// All returns an MQTT filter matching every event topic.
func (t Topics) All() string {
	return t.prefix + "/#"
}

// Camera returns an MQTT filter matching all kinds for one camera.
func (t Topics) Camera(cameraID string) string {
	return t.prefix + "/" + cameraID + "/+"
}

// Subject converts a slash separated topic into a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}
