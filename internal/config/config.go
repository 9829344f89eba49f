// Package config handles loading application configuration from a YAML file
// with environment variable overrides.
//
// Config file format (scanvault.yaml):
//
//	listen_addr: ":3000"
//	uploads_dir: "./uploads"
//	backend: "fs"
//	log_dev: false
//
// Configuration sources, in increasing priority order:
//  1. Built-in defaults
//  2. YAML config file (located by FindConfigFile or explicit path)
//  3. Environment variables (LISTEN_ADDR, UPLOADS_DIR, BACKEND, LOG_DEV)
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// ListenAddr is the TCP address for the HTTP server (e.g. ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// UploadsDir is the storage root where asset content and metadata live.
	UploadsDir string `yaml:"uploads_dir"`

	// Backend selects the registry backend implementation.
	// "fs"     – sidecar JSON metadata next to each asset (default)
	// "sqlite" – metadata indexed in .registry.db inside the uploads dir
	Backend string `yaml:"backend"`

	// LogDev switches the logger to the human-readable development
	// encoding. Production JSON output is the default.
	LogDev bool `yaml:"log_dev"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":3000",
		UploadsDir: "./uploads",
		Backend:    "fs",
	}
}

// Load reads configuration from the YAML file at path (if non-empty), then
// applies environment variable overrides on top. Returns the merged Config.
// If path is empty, only defaults and environment variables are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	// Environment variables always override file values so that Docker /
	// systemd overrides still work even when a config file is present.
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("UPLOADS_DIR"); v != "" {
		cfg.UploadsDir = v
	}
	if v := os.Getenv("BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("LOG_DEV"); v != "" {
		cfg.LogDev = v == "1" || v == "true"
	}

	return cfg, nil
}

// FindConfigFile returns the path to the first config file found in the
// standard search order, or "" if none is found.
//
// Search order:
//  1. SCANVAULT_CONFIG environment variable (explicit override)
//  2. ./scanvault.yaml (current working directory)
//  3. ~/.config/scanvault/config.yaml (XDG user config)
func FindConfigFile() string {
	// 1. Explicit path via environment variable.
	if p := os.Getenv("SCANVAULT_CONFIG"); p != "" {
		return p
	}

	// 2. Config file in the current working directory.
	if _, err := os.Stat("scanvault.yaml"); err == nil {
		return "scanvault.yaml"
	}

	// 3. XDG user config directory.
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "scanvault", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
