package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
)

var (
	// ErrUnknownPreset is returned when a preset name is not in Presets.
	ErrUnknownPreset = errors.New("camera: unknown preset")

	// ErrInvalidConfig wraps the messages from Config.Validate.
	ErrInvalidConfig = errors.New("camera: invalid config")
)

// Manager holds the capture settings used when a feed is opened: fleet-wide
// defaults plus optional per-camera overrides. Changes apply the next time a
// camera starts; running feeds keep what they opened with.
type Manager struct {
	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
}

// NewManager creates a manager with the given defaults.
func NewManager(defaults Config) *Manager {
	return &Manager{defaults: defaults, overrides: make(map[string]Config)}
}

// Defaults returns the fleet-wide settings.
func (m *Manager) Defaults() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// For returns the settings camera id opens with.
func (m *Manager) For(id string) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.overrides[id]; ok {
		return cfg
	}
	return m.defaults
}

// Overrides returns a copy of the per-camera settings.
func (m *Manager) Overrides() map[string]Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.overrides)
}

// Set replaces the settings for id. An empty id sets the defaults.
func (m *Manager) Set(id string, cfg Config) error {
	if err := check(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.defaults = cfg
	} else {
		m.overrides[id] = cfg
	}
	return nil
}

// Reset drops the override for id so it falls back to the defaults.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	delete(m.overrides, id)
	m.mu.Unlock()
}

// Update applies params on top of id's current settings and stores the
// result. "preset" replaces the base before the numeric fields (width,
// height, framerate, quality, buffer_size) are applied. An empty id updates
// the defaults. Nothing is stored if the result is invalid.
func (m *Manager) Update(id string, params map[string]any) (Config, error) {
	cfg, err := Apply(m.For(id), params)
	if err != nil {
		return Config{}, err
	}
	if err := m.Set(id, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Apply returns base with params applied, without validating it.
func Apply(base Config, params map[string]any) (Config, error) {
	cfg := base
	if name, ok := params["preset"].(string); ok {
		p, ok := Preset(name)
		if !ok {
			return Config{}, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
		}
		cfg = p
	}

	for key, value := range params {
		v, ok := toInt(value)
		if !ok {
			continue
		}
		switch key {
		case "width":
			cfg.Width = v
		case "height":
			cfg.Height = v
		case "framerate":
			cfg.Framerate = v
		case "quality":
			cfg.Quality = v
		case "buffer_size":
			cfg.BufferSize = v
		}
	}
	return cfg, nil
}

func check(cfg Config) error {
	if msgs := cfg.Validate(); len(msgs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case float64:
		return int(val), true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
