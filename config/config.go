// Package config reads a node's YAML configuration and assembles the
// storage and scheduling it describes.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jrhy/atmast/runner"
)

// Config is the top-level configuration file.
type Config struct {
	Blockstore BlockstoreConfig `yaml:"blockstore"`
	Runner     RunnerConfig     `yaml:"runner"`
	// NodeCacheSize is the number of decoded tree nodes kept in memory.
	// 0 disables the cache.
	NodeCacheSize int `yaml:"node_cache_size"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
}

// BlockstoreConfig selects and parameterizes a storage backend.
type BlockstoreConfig struct {
	// Kind names a registered backend: memory, file, s3 or sqlite.
	Kind string `yaml:"kind"`
	// Path is the directory (file) or database file (sqlite).
	Path string `yaml:"path"`
	// Depth is the directory fan-out depth of the file backend.
	Depth int `yaml:"depth"`

	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// CacheSize is the number of blocks kept in a read-through cache in
	// front of the backend. 0 disables the cache.
	CacheSize int `yaml:"cache_size"`
}

// RunnerConfig bounds event processing.
type RunnerConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxPending  int `yaml:"max_pending"`
}

// Default returns the configuration used for every setting a file
// leaves out.
func Default() *Config {
	return &Config{
		Blockstore: BlockstoreConfig{
			Kind:      "memory",
			CacheSize: 4096,
		},
		Runner: RunnerConfig{
			MaxPending: 1000,
		},
		NodeCacheSize: 10000,
		LogLevel:      "info",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	b := c.Blockstore
	if _, ok := lookup(b.Kind); !ok {
		return fmt.Errorf("blockstore: unknown kind %q", b.Kind)
	}
	switch b.Kind {
	case "file", "sqlite":
		if b.Path == "" {
			return fmt.Errorf("blockstore: kind %s needs a path", b.Kind)
		}
	case "s3":
		if b.Bucket == "" {
			return fmt.Errorf("blockstore: kind s3 needs a bucket")
		}
	}
	if b.CacheSize < 0 || b.Depth < 0 {
		return fmt.Errorf("blockstore: negative size")
	}
	if c.Runner.Concurrency < 0 || c.Runner.MaxPending < 0 {
		return fmt.Errorf("runner: negative limit")
	}
	if c.NodeCacheSize < 0 {
		return fmt.Errorf("node_cache_size: negative size")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// RunnerOptions returns the runner limits.
func (c *Config) RunnerOptions() runner.Options {
	return runner.Options{
		Concurrency: c.Runner.Concurrency,
		MaxPending:  c.Runner.MaxPending,
	}
}

// ApplyLogging sets the process-wide log level.
func (c *Config) ApplyLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
