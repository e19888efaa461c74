// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and watches the overlaysync YAML
// configuration.
//
// Every field has a default, so an absent file is a valid configuration.
// A file only needs the keys it overrides:
//
//	server:
//	  command: dart
//	  args: [language-server, --protocol=analyzer]
//	  min_version: 1.27.0
//	cache:
//	  persist: true
//	  path: ~/.overlaysync/cache
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/overlaysync/services/overlay/analyzable"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Analyzable analyzable.Rules `yaml:"analyzable"`
	Identity   IdentityConfig   `yaml:"identity"`
	Cache      CacheConfig      `yaml:"cache"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig describes how to run the analysis server.
type ServerConfig struct {
	Command        string        `yaml:"command" validate:"required"`
	Args           []string      `yaml:"args"`
	Dir            string        `yaml:"dir"`
	MinVersion     string        `yaml:"min_version" validate:"omitempty,semver"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`
}

// IdentityConfig controls file identity normalization.
type IdentityConfig struct {
	// CaseInsensitive is "auto", "true" or "false". "auto" leaves the
	// resolver default, which keeps the path's spelling. "true" lower-cases
	// the paths sent to the analysis server as well.
	CaseInsensitive string `yaml:"case_insensitive" validate:"oneof=auto true false"`
}

// CacheConfig sizes the artifact cache tiers.
type CacheConfig struct {
	MemoryEntries int           `yaml:"memory_entries" validate:"gt=0"`
	Persist       bool          `yaml:"persist"`
	Path          string        `yaml:"path" validate:"required_if=Persist true"`
	GCInterval    time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// BridgeConfig configures the editor bridge listener.
type BridgeConfig struct {
	Listen    string `yaml:"listen" validate:"required,hostname_port"`
	ReadLimit int64  `yaml:"read_limit" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("semver", validateSemver)
}

// validateSemver accepts versions with or without the leading "v".
func validateSemver(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.IsValid(v)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Command:        "dart",
			Args:           []string{"language-server", "--protocol=analyzer"},
			RequestTimeout: 30 * time.Second,
			StartupTimeout: 10 * time.Second,
		},
		Analyzable: analyzable.DefaultRules(),
		Identity:   IdentityConfig{CaseInsensitive: "auto"},
		Cache: CacheConfig{
			MemoryEntries: 1024,
			GCInterval:    5 * time.Minute,
		},
		Bridge: BridgeConfig{
			Listen:    "127.0.0.1:7457",
			ReadLimit: 8 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Cache.Path = expandHome(cfg.Cache.Path)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Resolve interprets CaseInsensitive. ok is false for "auto".
func (c IdentityConfig) Resolve() (fold bool, ok bool) {
	switch c.CaseInsensitive {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
