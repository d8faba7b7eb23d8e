// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// SelfID is the user id of the logged in account.
	SelfID string `yaml:"self_id"`

	// Database is the path of the SQLite cache. ":memory:" keeps it in RAM.
	Database string `yaml:"database"`

	RemoteURL  string `yaml:"remote_url"`
	ChannelURL string `yaml:"channel_url"`
	// Credential is the bearer token for both the HTTP API and the channel.
	Credential string `yaml:"credential"`

	Backoff BackoffPolicy `yaml:"backoff"`

	// RepairInterval is how often the repair pass runs on its own. Zero
	// disables periodic repair; TriggerSync still runs it.
	RepairInterval time.Duration `yaml:"repair_interval"`

	BackfillPageLimit int `yaml:"backfill_page_limit"`
	BackfillMaxPages  int `yaml:"backfill_max_pages"`

	// PruneOnSync deletes local conversations missing from the remote
	// listing after each repair pass.
	PruneOnSync bool `yaml:"prune_on_sync"`

	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ZerologLevel parses Level, falling back to info.
func (c *LoggingConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Level)))
	if err != nil || c.Level == "" {
		return zerolog.InfoLevel
	}
	return level
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults and validates the result.
func (c *Config) PostProcess() error {
	defaults := DefaultBackoffPolicy()
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = defaults.MaxAttempts
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = defaults.BaseDelay
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = defaults.MaxDelay
	}
	if c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		c.Backoff.MaxDelay = c.Backoff.BaseDelay
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return fmt.Errorf("backoff.jitter must be between 0 and 1, got %v", c.Backoff.Jitter)
	}
	if c.Database == "" {
		c.Database = "msgsync.db"
	}
	if c.BackfillMaxPages < 0 {
		c.BackfillMaxPages = 0
	}
	if c.RepairInterval < 0 {
		c.RepairInterval = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.SelfID != "" {
		if err := ValidateUserID(c.SelfID); err != nil {
			return fmt.Errorf("self_id: %w", err)
		}
	}
	return nil
}

// DefaultConfig is the example config with defaults applied.
func DefaultConfig() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		panic(fmt.Errorf("example config is invalid: %w", err))
	}
	return &cfg
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config back to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
