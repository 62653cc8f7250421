// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the bearer token. Usually supplied through CHATSYNC_TOKEN
	// rather than written into the file.
	Token             string  `yaml:"token"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	timeout time.Duration
}

func (c *ServerConfig) TimeoutDuration() time.Duration { return c.timeout }

type SyncConfig struct {
	// ViewerID is the signed-in user. Their own messages are never
	// read-receipted and are the ones read inference applies to.
	ViewerID    string `yaml:"viewer_id"`
	PageSize    int    `yaml:"page_size"`
	RefreshSize int    `yaml:"refresh_size"`

	ReceiptQuietPeriod string `yaml:"receipt_quiet_period"`
	ReadInferenceAge   string `yaml:"read_inference_age"`
	EditedThreshold    string `yaml:"edited_threshold"`
	// SendTimeout is how long a local send may stay unconfirmed before the
	// conversation tick marks it failed. Zero disables the sweep.
	SendTimeout string `yaml:"send_timeout"`

	receiptQuietPeriod time.Duration
	readInferenceAge   time.Duration
	editedThreshold    time.Duration
	sendTimeout        time.Duration
}

func (c *SyncConfig) ReceiptQuietPeriodDuration() time.Duration { return c.receiptQuietPeriod }
func (c *SyncConfig) ReadInferenceAgeDuration() time.Duration   { return c.readInferenceAge }
func (c *SyncConfig) EditedThresholdDuration() time.Duration    { return c.editedThreshold }
func (c *SyncConfig) SendTimeoutDuration() time.Duration        { return c.sendTimeout }

type CacheConfig struct {
	// Driver is sqlite, pebble or memory.
	Driver    string `yaml:"driver"`
	Directory string `yaml:"directory"`
	// ChunkSize accepts human sizes like 64KiB or 1MB.
	ChunkSize string `yaml:"chunk_size"`
	// HandleDirectory holds temp files backing playable handles. Empty
	// means the system temp directory.
	HandleDirectory string `yaml:"handle_directory"`

	chunkSize int
}

func (c *CacheConfig) ChunkSizeBytes() int { return c.chunkSize }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`

	level zerolog.Level
}

func (c *LoggingConfig) ZerologLevel() zerolog.Level { return c.level }

type MetricsConfig struct {
	// Listen is the address the prometheus handler is served on. Empty
	// disables it.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Timeout:           "20s",
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Sync: SyncConfig{
			PageSize:           50,
			RefreshSize:        50,
			ReceiptQuietPeriod: "1s",
			ReadInferenceAge:   "2s",
			EditedThreshold:    "1s",
			SendTimeout:        "0s",
		},
		Cache: CacheConfig{
			Driver:    "sqlite",
			Directory: "./media-cache",
			ChunkSize: "64KiB",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	} else if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}

// PostProcess parses the human-readable fields and validates the rest.
func (c *Config) PostProcess() error {
	var err error
	if c.Server.timeout, err = parseDuration("server.timeout", c.Server.Timeout); err != nil {
		return err
	}
	if c.Sync.receiptQuietPeriod, err = parseDuration("sync.receipt_quiet_period", c.Sync.ReceiptQuietPeriod); err != nil {
		return err
	}
	if c.Sync.readInferenceAge, err = parseDuration("sync.read_inference_age", c.Sync.ReadInferenceAge); err != nil {
		return err
	}
	if c.Sync.editedThreshold, err = parseDuration("sync.edited_threshold", c.Sync.EditedThreshold); err != nil {
		return err
	}
	if c.Sync.sendTimeout, err = parseDuration("sync.send_timeout", c.Sync.SendTimeout); err != nil {
		return err
	}
	if c.Cache.ChunkSize != "" {
		size, err := humanize.ParseBytes(c.Cache.ChunkSize)
		if err != nil {
			return fmt.Errorf("invalid cache.chunk_size %q: %w", c.Cache.ChunkSize, err)
		} else if size == 0 || size > 64*1024*1024 {
			return fmt.Errorf("invalid cache.chunk_size %q: must be between 1B and 64MiB", c.Cache.ChunkSize)
		}
		c.Cache.chunkSize = int(size)
	}
	switch strings.ToLower(c.Cache.Driver) {
	case "", "sqlite", "pebble", "memory":
		c.Cache.Driver = strings.ToLower(c.Cache.Driver)
	default:
		return fmt.Errorf("invalid cache.driver %q: expected sqlite, pebble or memory", c.Cache.Driver)
	}
	if c.Logging.Level == "" {
		c.Logging.level = zerolog.InfoLevel
	} else if c.Logging.level, err = zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level %q: %w", c.Logging.Level, err)
	}
	if c.Sync.PageSize < 0 || c.Sync.RefreshSize < 0 {
		return fmt.Errorf("sync.page_size and sync.refresh_size must not be negative")
	}
	return nil
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// An empty document never reaches UnmarshalYAML.
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variables that override file values.
const (
	EnvServerURL = "CHATSYNC_SERVER_URL"
	EnvToken     = "CHATSYNC_TOKEN"
	EnvViewerID  = "CHATSYNC_VIEWER_ID"
	EnvCacheDir  = "CHATSYNC_CACHE_DIR"
)

// ApplyEnv overrides settings from the environment, as looked up by lookup
// (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Server.BaseURL = v
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Server.Token = v
	}
	if v, ok := lookup(EnvViewerID); ok && v != "" {
		c.Sync.ViewerID = v
	}
	if v, ok := lookup(EnvCacheDir); ok && v != "" {
		c.Cache.Directory = v
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "base_url")
	helper.Copy(up.Str, "server", "token")
	helper.Copy(up.Str, "server", "timeout")
	helper.Copy(up.Float|up.Int, "server", "requests_per_second")
	helper.Copy(up.Int, "server", "burst")
	helper.Copy(up.Str, "sync", "viewer_id")
	helper.Copy(up.Int, "sync", "page_size")
	helper.Copy(up.Int, "sync", "refresh_size")
	helper.Copy(up.Str, "sync", "receipt_quiet_period")
	helper.Copy(up.Str, "sync", "read_inference_age")
	helper.Copy(up.Str, "sync", "edited_threshold")
	helper.Copy(up.Str, "sync", "send_timeout")
	helper.Copy(up.Str, "cache", "driver")
	helper.Copy(up.Str, "cache", "directory")
	helper.Copy(up.Str, "cache", "chunk_size")
	helper.Copy(up.Str, "cache", "handle_directory")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
	helper.Copy(up.Str, "metrics", "listen")
}

// Upgrader rebuilds a config file from the current example, carrying over
// every value the user set.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Base:           ExampleConfig,
}

// Upgrade merges the config file at path into the current example. With
// save set, the result is written back to path.
func Upgrade(path string, save bool) ([]byte, bool, error) {
	data, upgraded, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return data, upgraded, nil
}
