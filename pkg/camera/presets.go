package camera

import "slices"

// Preset names.
const (
	PresetDefault = "default"
	PresetLow     = "low"
	Preset720p    = "720p"
	Preset1080p   = "1080p"
	PresetLowRate = "lowrate"
)

// presets derive from DefaultConfig so new fields pick up sane values.
var presets = map[string]func(*Config){
	PresetDefault: func(*Config) {},

	// Constrained uplinks.
	PresetLow: func(c *Config) {
		c.Width, c.Height = 320, 240
		c.Framerate = 15
		c.Quality = 70
	},

	Preset720p: func(c *Config) {
		c.Width, c.Height = 1280, 720
	},

	// Detection cost grows with resolution; use it only when small subjects
	// need the pixels.
	Preset1080p: func(c *Config) {
		c.Width, c.Height = 1920, 1080
		c.Framerate = 15
	},

	// VGA sampled at 5 fps, for many cameras on one detector.
	PresetLowRate: func(c *Config) {
		c.Framerate = 5
	},
}

// Preset returns the named configuration.
func Preset(name string) (Config, bool) {
	apply, ok := presets[name]
	if !ok {
		return Config{}, false
	}
	cfg := DefaultConfig()
	apply(&cfg)
	return cfg, true
}

// Presets returns every preset by name.
func Presets() map[string]Config {
	out := make(map[string]Config, len(presets))
	for name := range presets {
		out[name], _ = Preset(name)
	}
	return out
}

// PresetNames returns the sorted preset names.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
