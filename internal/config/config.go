// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

// Package config holds runtime settings for the mealsync CLI. Values layer
// in order: built-in defaults, then a JSON config file (if present), then
// command-line flags. Later sources take precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the settings shared by every mealsync command.
type Config struct {
	ServerURL  string
	Collection string
	Identity   string
	Password   string
	DBPath     string
	CacheDir   string

	SyncInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	FetchLimit   int
	MaxParallel  int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8090"
	c.Collection = "meal_entries"
	c.DBPath = "mealsync.db"
	c.CacheDir = "attachments"
	c.SyncInterval = 30 * time.Second
	c.BackoffMin = 1 * time.Second
	c.BackoffMax = 60 * time.Second
	c.FetchLimit = 200
	c.MaxParallel = 4
}

// fileConfig is the JSON shape of the config file. Durations are strings
// in time.ParseDuration form (e.g. "30s"). Pointer fields distinguish
// "absent" from zero values so partial files only override what they name.
type fileConfig struct {
	ServerURL    *string `json:"server_url"`
	Collection   *string `json:"collection"`
	Identity     *string `json:"identity"`
	Password     *string `json:"password"`
	DBPath       *string `json:"db_path"`
	CacheDir     *string `json:"cache_dir"`
	SyncInterval *string `json:"sync_interval"`
	BackoffMin   *string `json:"backoff_min"`
	BackoffMax   *string `json:"backoff_max"`
	FetchLimit   *int    `json:"fetch_limit"`
	MaxParallel  *int    `json:"max_parallel"`
}

// Load constructs a Config from defaults overlaid with the JSON file at
// path. An empty path skips the file layer; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.apply(&fc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) apply(fc *fileConfig) error {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&c.ServerURL, fc.ServerURL)
	setString(&c.Collection, fc.Collection)
	setString(&c.Identity, fc.Identity)
	setString(&c.Password, fc.Password)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.CacheDir, fc.CacheDir)

	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.SyncInterval, fc.SyncInterval); err != nil {
		return err
	}
	if err := setDuration(&c.BackoffMin, fc.BackoffMin); err != nil {
		return err
	}
	if err := setDuration(&c.BackoffMax, fc.BackoffMax); err != nil {
		return err
	}

	if fc.FetchLimit != nil {
		c.FetchLimit = *fc.FetchLimit
	}
	if fc.MaxParallel != nil {
		c.MaxParallel = *fc.MaxParallel
	}
	return nil
}
