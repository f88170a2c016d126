// Package config loads run settings from an optional JSON file,
// layered over defaults. Flags override both at the CLI layer.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"matchcut/internal/canvas"

	"github.com/sirupsen/logrus"
)

// Config holds the user-tunable settings of a run.
type Config struct {
	Aspect            string `json:"aspect"`
	Greedy            bool   `json:"greedy"`
	Refine            bool   `json:"refine"`
	Perspective       bool   `json:"perspective"`
	Ensemble          bool   `json:"ensemble"`
	OutputDir         string `json:"output_dir"`
	DiagnosticDir     string `json:"diagnostic_dir"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"`
	TelemetryCapacity int    `json:"telemetry_capacity"`
}

// Default returns the settings used when no file or flags override
// them.
func Default() Config {
	return Config{
		Aspect:            "9:16",
		Refine:            true,
		Ensemble:          true,
		OutputDir:         "out",
		LogLevel:          "info",
		LogFormat:         "text",
		TelemetryCapacity: 512,
	}
}

// Load reads cfg from path layered over defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the enumerated fields.
func (c Config) Validate() error {
	if _, err := canvas.ParseAspect(c.Aspect); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.TelemetryCapacity < 0 {
		return fmt.Errorf("telemetry capacity must not be negative")
	}
	return nil
}

// AspectRatio returns the parsed canonical aspect.
func (c Config) AspectRatio() canvas.AspectRatio {
	a, err := canvas.ParseAspect(c.Aspect)
	if err != nil {
		return canvas.AspectPortrait
	}
	return a
}

// Logger builds a logrus logger configured per the settings.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
