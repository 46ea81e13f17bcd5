package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
)

// Config defines the runtime configuration of the screen share server.
type Config struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // empty disables the metrics listener
	StreamInterval  time.Duration `yaml:"stream_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Capture
	Source     string `yaml:"source"` // screen, pattern
	Display    int    `yaml:"display"`
	CaptureFPS int    `yaml:"capture_fps"`
	Width      int    `yaml:"width"` // 0 = native display size
	Height     int    `yaml:"height"`
	DPI        int    `yaml:"dpi"` // informational, capture uses physical pixels
	Token      string `yaml:"token"`

	// Encoding
	JPEGQuality int  `yaml:"jpeg_quality"`
	MaxWidth    int  `yaml:"max_width"` // 0 = no downscale
	Overlay     bool `yaml:"overlay"`

	LogLevel string `yaml:"log_level"`
	LogColor bool   `yaml:"log_color"`
}

// DefaultConfig returns a config that serves the whole primary display on
// every interface at port 8080.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MetricsAddr:     ":9090",
		StreamInterval:  50 * time.Millisecond,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Source:          "screen",
		Display:         0,
		CaptureFPS:      20,
		Token:           "local",
		JPEGQuality:     80,
		LogLevel:        "info",
		LogColor:        true,
	}
}

// Load overlays the YAML file at path on top of DefaultConfig and validates
// the result. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.StreamInterval <= 0 {
		errs = append(errs, fmt.Errorf("stream_interval must be positive, got %s", c.StreamInterval))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout must not be negative, got %s", c.WriteTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	switch c.Source {
	case "screen", "pattern":
	default:
		errs = append(errs, fmt.Errorf("unknown source %q (want screen or pattern)", c.Source))
	}
	if c.CaptureFPS <= 0 {
		errs = append(errs, fmt.Errorf("capture_fps must be positive, got %d", c.CaptureFPS))
	}
	if c.Display < 0 || c.Width < 0 || c.Height < 0 || c.DPI < 0 || c.MaxWidth < 0 {
		errs = append(errs, errors.New("display, width, height, dpi and max_width must not be negative"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality must be in 1..100, got %d", c.JPEGQuality))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
