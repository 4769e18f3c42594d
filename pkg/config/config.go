// chatdigest - Incremental chat archiving and streaming digests.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// DefaultRetention is the number of messages kept per conversation when the
// config doesn't say otherwise.
const DefaultRetention = 120

// ErrMissingConfig is returned by Validate when a required value is absent.
var ErrMissingConfig = errors.New("missing required configuration")

type Config struct {
	Archive    ArchiveConfig    `yaml:"archive"`
	Source     SourceConfig     `yaml:"source"`
	Completion CompletionConfig `yaml:"completion"`
	Sync       SyncConfig       `yaml:"sync"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ArchiveConfig struct {
	Type      string `yaml:"type"`
	Directory string `yaml:"directory"`
	URI       string `yaml:"uri"`
	Retention int    `yaml:"retention"`
}

type SourceConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type CompletionConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Model        string        `yaml:"model"`
	Temperature  float64       `yaml:"temperature"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
	SelfID       string        `yaml:"self_id"`
}

type SyncConfig struct {
	Workers      int           `yaml:"workers"`
	AbortOnError bool          `yaml:"abort_on_error"`
	SkipUntitled bool          `yaml:"skip_untitled"`
	Interval     time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	MinLevel string `yaml:"min_level"`
	File     string `yaml:"file"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	c.Archive.Type = strings.ToLower(strings.TrimSpace(c.Archive.Type))
	if c.Archive.Type == "sqlite" {
		c.Archive.Type = "sqlite3"
	}
	c.Source.URL = strings.TrimRight(c.Source.URL, "/")
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "archive", "type")
	helper.Copy(up.Str, "archive", "directory")
	helper.Copy(up.Str, "archive", "uri")
	helper.Copy(up.Int, "archive", "retention")

	helper.Copy(up.Str, "source", "url")
	helper.Copy(up.Str|up.Null, "source", "token")
	helper.Copy(up.Str, "source", "timeout")
	helper.Copy(up.Int, "source", "max_retries")

	helper.Copy(up.Str, "completion", "endpoint")
	helper.Copy(up.Str, "completion", "model")
	helper.Copy(up.Int|up.Float, "completion", "temperature")
	helper.Copy(up.Str|up.Null, "completion", "api_key")
	helper.Copy(up.Str|up.Int, "completion", "read_timeout")
	helper.Copy(up.Str|up.Null, "completion", "system_prompt")
	helper.Copy(up.Str|up.Int|up.Null, "completion", "self_id")

	helper.Copy(up.Int, "sync", "workers")
	helper.Copy(up.Bool, "sync", "abort_on_error")
	helper.Copy(up.Bool, "sync", "skip_untitled")
	helper.Copy(up.Str, "sync", "interval")

	helper.Copy(up.Str, "logging", "min_level")
	helper.Copy(up.Str|up.Null, "logging", "file")
}

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"source"},
		{"completion"},
		{"sync"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Environment variables that override values from the config file.
const (
	EnvSourceURL          = "CHATDIGEST_SOURCE_URL"
	EnvSourceToken        = "CHATDIGEST_SOURCE_TOKEN"
	EnvCompletionEndpoint = "CHATDIGEST_COMPLETION_ENDPOINT"
	EnvCompletionAPIKey   = "CHATDIGEST_COMPLETION_API_KEY"
)

// Load reads the config file at path, fills in any missing keys from the
// example config and applies environment overrides. An empty path loads the
// example config as-is.
func Load(path string) (*Config, error) {
	var data []byte
	if path == "" {
		data = []byte(ExampleConfig)
	} else {
		var err error
		data, _, err = up.Do(path, false, Upgrader)
		if err != nil {
			return nil, fmt.Errorf("failed to upgrade config: %w", err)
		}
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes a complete config document and applies environment overrides
// using lookupEnv.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if lookupEnv != nil {
		cfg.applyEnv(lookupEnv)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) {
	if val, ok := lookupEnv(EnvSourceURL); ok && val != "" {
		c.Source.URL = val
	}
	if val, ok := lookupEnv(EnvSourceToken); ok && val != "" {
		c.Source.Token = val
	}
	if val, ok := lookupEnv(EnvCompletionEndpoint); ok && val != "" {
		c.Completion.Endpoint = val
	}
	if val, ok := lookupEnv(EnvCompletionAPIKey); ok && val != "" {
		c.Completion.APIKey = val
	}
}

// Validate checks that everything needed to talk to the source, the archive
// and the completion endpoint is present.
func (c *Config) Validate() error {
	var missing []string
	if c.Source.URL == "" {
		missing = append(missing, "source.url")
	}
	if c.Source.Token == "" {
		missing = append(missing, "source.token ("+EnvSourceToken+")")
	}
	if c.Completion.Endpoint == "" {
		missing = append(missing, "completion.endpoint")
	}
	if c.Completion.Model == "" {
		missing = append(missing, "completion.model")
	}
	switch c.Archive.Type {
	case "sqlite3":
		if c.Archive.Directory == "" {
			missing = append(missing, "archive.directory")
		}
	case "postgres":
		if c.Archive.URI == "" {
			missing = append(missing, "archive.uri")
		}
	default:
		return fmt.Errorf("%w: unsupported archive.type %q", ErrMissingConfig, c.Archive.Type)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

// GetRetention returns the per-conversation retention limit, defaulting to
// DefaultRetention if not set.
func (c *ArchiveConfig) GetRetention() int {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

func (c *SourceConfig) GetTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c *SourceConfig) GetMaxRetries() int {
	if c.MaxRetries < 0 {
		return 0
	}
	return c.MaxRetries
}

func (c *SyncConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

func (c *SyncConfig) GetInterval() time.Duration {
	if c.Interval <= 0 {
		return 5 * time.Minute
	}
	return c.Interval
}
