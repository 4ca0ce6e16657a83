package viewer

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/soypat/cadview"
	"github.com/soypat/cadview/glload"
	"github.com/soypat/cadview/glrender"
)

// Config is the full viewer configuration. Its TOML form is:
//
//	width = 1280
//	height = 720
//	[viewer]
//	background_color = "#f0f0f0"
//	[render]
//	shadows = true
//	[section]
//	orientation = "xy"
//	[loader]
//	fallback = "sniff"
type Config struct {
	Width   int                   `toml:"width"`
	Height  int                   `toml:"height"`
	Viewer  cadview.ViewerConfig  `toml:"viewer"`
	Render  glrender.RenderConfig `toml:"render"`
	Section cadview.SectionConfig `toml:"section"`
	Loader  glload.Config         `toml:"loader"`
	// Model is loaded on startup when set.
	Model ModelSource `toml:"model"`
	// Watch reloads a local model file when it changes on disk.
	Watch bool `toml:"watch"`
}

// DefaultConfig returns a 1280x720 viewer with default viewer, render, section and loader settings.
func DefaultConfig() Config {
	return Config{
		Width:   1280,
		Height:  720,
		Viewer:  cadview.DefaultViewerConfig(),
		Render:  glrender.DefaultRenderConfig(),
		Section: cadview.DefaultSectionConfig(),
		Loader:  glload.Config{Fallback: glload.FallbackSniff},
	}
}

// LoadConfig decodes TOML from r over [DefaultConfig]. Keys absent from r
// keep their default and unknown keys are an error.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding viewer config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Config{}, fmt.Errorf("invalid viewport size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Model.URL != "" || len(cfg.Model.Components) > 0 {
		if err := cfg.Model.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// LoadConfigFile reads the TOML configuration at name.
func LoadConfigFile(name string) (Config, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return Config{}, err
	}
	cfg, err := LoadConfig(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// WriteConfig writes cfg to w as TOML.
func WriteConfig(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}
