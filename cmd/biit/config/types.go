// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the biit command-line configuration.
//
// The file lives at ~/.biit/biit.yaml and is created with defaults on
// first use. Every section maps onto the host's runtime.Config.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bioimageit/biit-runtime/pkg/logging"
	"github.com/bioimageit/biit-runtime/services/environment"
	"github.com/bioimageit/biit-runtime/services/logrelay"
	"github.com/bioimageit/biit-runtime/services/pubsub"
	"github.com/bioimageit/biit-runtime/services/runtime"
	"github.com/bioimageit/biit-runtime/services/supervisor"
)

var configValidate = validator.New()

// BiitConfig is the top-level structure of biit.yaml.
type BiitConfig struct {
	Server      ServerConfig          `yaml:"server"`
	Environment EnvironmentConfig     `yaml:"environment"`
	Logging     LoggingConfig         `yaml:"logging"`
	PubSub      PubSubConfig          `yaml:"pubsub"`
	Relay       RelayConfig           `yaml:"relay"`
	Tracing     runtime.TracingConfig `yaml:"tracing"`

	// AutoStart names services started when `biit serve` comes up.
	AutoStart []string `yaml:"auto_start,omitempty"`

	// Services replaces the built-in code-server definition when set.
	Services []supervisor.Service `yaml:"services,omitempty"`
}

// ServerConfig is the HTTP side of the host.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required,hostname_port"`
	GinMode         string        `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EnvironmentConfig locates the package manager and its environments.
type EnvironmentConfig struct {
	BaseDir        string        `yaml:"base_dir" validate:"required"`
	RootPrefix     string        `yaml:"root_prefix,omitempty"`
	DownloadURL    string        `yaml:"download_url,omitempty" validate:"omitempty,url"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// LoggingConfig drives pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `yaml:"dir,omitempty"`
}

// PubSubConfig tunes the coordinator.
type PubSubConfig struct {
	QueueSize         int           `yaml:"queue_size" validate:"gte=0"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
}

// RelayConfig tunes log forwarding onto the "logs" topic.
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Topic    string `yaml:"topic"`
	Capacity int    `yaml:"capacity" validate:"gte=0"`

	// RemoteURL forwards logs to another host's /ws endpoint.
	RemoteURL string `yaml:"remote_url,omitempty" validate:"omitempty,url"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() BiitConfig {
	return BiitConfig{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Environment: EnvironmentConfig{
			BaseDir:        filepath.Join("~", ".biit", "micromamba"),
			CommandTimeout: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join("~", ".biit", "logs"),
		},
		PubSub: PubSubConfig{QueueSize: 256},
		Relay: RelayConfig{
			Enabled:  true,
			Topic:    pubsub.TopicLogs,
			Capacity: 1024,
		},
		Tracing: runtime.TracingConfig{Exporter: runtime.TraceExporterNone},
	}
}

// Validate checks field tags and every service definition.
func (c BiitConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: service %q: %w", svc.Name, err)
		}
	}
	return nil
}

// LoggerConfig returns the logger configuration for the given service name.
func (c BiitConfig) LoggerConfig(service string) (logging.Config, error) {
	level := logging.LevelInfo
	if c.Logging.Level != "" {
		parsed, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return logging.Config{}, err
		}
		level = parsed
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		Format:  logging.Format(c.Logging.Format),
	}, nil
}

// EnvironmentManagerConfig maps the environment section.
func (c BiitConfig) EnvironmentManagerConfig() environment.Config {
	cfg := environment.DefaultConfig(logging.ExpandPath(c.Environment.BaseDir))
	if c.Environment.RootPrefix != "" {
		cfg.RootPrefix = logging.ExpandPath(c.Environment.RootPrefix)
	}
	cfg.DownloadURL = c.Environment.DownloadURL
	if c.Environment.CommandTimeout > 0 {
		cfg.CommandTimeout = c.Environment.CommandTimeout
	}
	return cfg
}

// ToRuntime converts the file layout into the host configuration.
func (c BiitConfig) ToRuntime() runtime.Config {
	ps := pubsub.DefaultConfig()
	if c.PubSub.QueueSize > 0 {
		ps.QueueSize = c.PubSub.QueueSize
	}
	ps.PermissionTimeout = c.PubSub.PermissionTimeout

	relay := logrelay.DefaultConfig()
	if c.Relay.Topic != "" {
		relay.Topic = c.Relay.Topic
	}
	if c.Relay.Capacity > 0 {
		relay.Capacity = c.Relay.Capacity
	}

	return runtime.Config{
		Addr:            c.Server.Addr,
		GinMode:         c.Server.GinMode,
		Environment:     c.EnvironmentManagerConfig(),
		PubSub:          ps,
		Relay:           relay,
		DisableRelay:    !c.Relay.Enabled,
		RelayRemoteURL:  c.Relay.RemoteURL,
		Services:        c.Services,
		AutoStart:       c.AutoStart,
		Tracing:         c.Tracing,
		ShutdownTimeout: c.Server.ShutdownTimeout,
	}
}
