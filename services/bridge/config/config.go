// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config provides configuration loading for the bridge service.
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Built-in defaults (DefaultConfig)
//  2. Optional YAML file (--config flag / BRIDGE_CONFIG_FILE)
//  3. Environment variables (BRIDGE_* prefix)
//
// The merged result is validated with go-playground/validator before the
// server starts; an invalid configuration is a startup failure, never a
// runtime surprise.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Config Struct
// =============================================================================

// Config holds all bridge settings.
//
// # Fields
//
// Server:
//   - Host, Port: listen address.
//   - BearerToken: required shared secret for /v1 endpoints.
//
// Queue (admission control):
//   - MaxConcurrentRequests: admission slots (1-50).
//   - QueueTimeoutSeconds: max time a request may wait for a slot.
//   - MinRequestGapMs: minimum spacing between consecutive execution
//     starts, smoothing sandbox container churn.
//
// CLI (executor):
//   - CLIPath: gemini binary (name on PATH or absolute path).
//   - CLITimeoutSeconds: wall-clock budget for one invocation.
//   - CLIMaxRetries: conflict retry budget (0 disables retries).
//   - ConflictWaitSeconds: how long to poll for natural release of a
//     contended sandbox container before force-reclaiming it.
//   - ProactiveCleanup: sweep stopped sandbox containers before the first
//     attempt of each request.
//
// Rate limiting:
//   - RateLimitMaxRequests per RateLimitWindowSeconds, per client IP.
type Config struct {
	Host        string `yaml:"host" validate:"required"`
	Port        int    `yaml:"port" validate:"gte=1,lte=65535"`
	BearerToken string `yaml:"bearer_token" validate:"required,min=1"`

	MaxConcurrentRequests int `yaml:"max_concurrent_requests" validate:"gte=1,lte=50"`
	QueueTimeoutSeconds   int `yaml:"queue_timeout_seconds" validate:"gte=1,lte=300"`
	MinRequestGapMs       int `yaml:"min_request_gap_ms" validate:"gte=0,lte=10000"`

	CLIPath             string `yaml:"cli_path" validate:"required"`
	CLITimeoutSeconds   int    `yaml:"cli_timeout_seconds" validate:"gte=1,lte=300"`
	CLIMaxRetries       int    `yaml:"cli_max_retries" validate:"gte=0,lte=10"`
	ConflictWaitSeconds int    `yaml:"conflict_wait_seconds" validate:"gte=1,lte=300"`
	ProactiveCleanup    bool   `yaml:"proactive_cleanup"`

	RateLimitMaxRequests   int `yaml:"rate_limit_max_requests" validate:"gte=1"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds" validate:"gte=1"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogDir   string `yaml:"log_dir"`

	// ModelsFile points at the model-mapping YAML (see mappings.go).
	ModelsFile string `yaml:"models_file"`
}

// configValidate is the shared validator for Config.
var configValidate = validator.New()

// DefaultConfig returns the built-in defaults.
//
// The bearer token has no default: it must come from the environment or
// the config file, or Load fails.
func DefaultConfig() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   11434,
		MaxConcurrentRequests:  5,
		QueueTimeoutSeconds:    30,
		MinRequestGapMs:        500,
		CLIPath:                "gemini",
		CLITimeoutSeconds:      30,
		CLIMaxRetries:          3,
		ConflictWaitSeconds:    30,
		ProactiveCleanup:       true,
		RateLimitMaxRequests:   100,
		RateLimitWindowSeconds: 60,
		LogLevel:               "info",
	}
}

// QueueTimeout returns the queue timeout as a duration.
func (c Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

// MinRequestGap returns the minimum inter-request gap as a duration.
func (c Config) MinRequestGap() time.Duration {
	return time.Duration(c.MinRequestGapMs) * time.Millisecond
}

// CLITimeout returns the executor budget as a duration.
func (c Config) CLITimeout() time.Duration {
	return time.Duration(c.CLITimeoutSeconds) * time.Second
}

// ConflictWait returns the natural-release polling bound as a duration.
func (c Config) ConflictWait() time.Duration {
	return time.Duration(c.ConflictWaitSeconds) * time.Second
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// Load builds the effective configuration.
//
// # Description
//
// Starts from DefaultConfig, overlays the YAML file at path (if path is
// non-empty; a missing file is an error since the caller asked for it),
// overlays BRIDGE_* environment variables, then validates.
//
// # Inputs
//
//   - path: Optional YAML config file. Empty string falls back to the
//     BRIDGE_CONFIG_FILE environment variable; if that is unset too, the
//     file layer is skipped.
//
// # Outputs
//
//   - Config: The validated effective configuration.
//   - error: Non-nil on unreadable file, malformed YAML, bad env value,
//     or failed validation.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("BRIDGE_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays BRIDGE_* environment variables onto cfg.
func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", key, v)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got %q", key, v)
		}
		*dst = b
		return nil
	}

	setString("BRIDGE_HOST", &cfg.Host)
	setString("BRIDGE_BEARER_TOKEN", &cfg.BearerToken)
	setString("BRIDGE_CLI_PATH", &cfg.CLIPath)
	setString("BRIDGE_LOG_LEVEL", &cfg.LogLevel)
	setString("BRIDGE_LOG_DIR", &cfg.LogDir)
	setString("BRIDGE_MODELS_FILE", &cfg.ModelsFile)

	for _, e := range []error{
		setInt("BRIDGE_PORT", &cfg.Port),
		setInt("BRIDGE_MAX_CONCURRENT_REQUESTS", &cfg.MaxConcurrentRequests),
		setInt("BRIDGE_QUEUE_TIMEOUT_SECONDS", &cfg.QueueTimeoutSeconds),
		setInt("BRIDGE_MIN_REQUEST_GAP_MS", &cfg.MinRequestGapMs),
		setInt("BRIDGE_CLI_TIMEOUT_SECONDS", &cfg.CLITimeoutSeconds),
		setInt("BRIDGE_CLI_MAX_RETRIES", &cfg.CLIMaxRetries),
		setInt("BRIDGE_CONFLICT_WAIT_SECONDS", &cfg.ConflictWaitSeconds),
		setInt("BRIDGE_RATE_LIMIT_MAX_REQUESTS", &cfg.RateLimitMaxRequests),
		setInt("BRIDGE_RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimitWindowSeconds),
		setBool("BRIDGE_PROACTIVE_CLEANUP", &cfg.ProactiveCleanup),
	} {
		if e != nil {
			return e
		}
	}
	return nil
}
