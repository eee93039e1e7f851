// Package config handles cdo.toml run configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/roach88/cdo/internal/cdo"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "cdo.toml"

// Config represents a cdo.toml file.
//
//	[stream]
//	chunk_words = 64
//	max_depth = 2
//	recovery = "none"
//
//	[store]
//	database = "cdo.db"
//
//	[log]
//	level = "info"
type Config struct {
	Stream Stream `toml:"stream"`
	Store  Store  `toml:"store"`
	Log    Log    `toml:"log"`

	// Dir is the directory containing the cdo.toml file (set at load time).
	Dir string `toml:"-"`
}

// Stream configures how images are fed to the interpreter.
type Stream struct {
	ChunkWords int    `toml:"chunk_words"`
	MaxDepth   int    `toml:"max_depth"`
	Recovery   string `toml:"recovery"`
}

// Store configures the session database.
type Store struct {
	Database string `toml:"database"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load parses a cdo.toml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a cdo.toml file, then loads it.
// Returns Default() if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults() {
	if c.Stream.MaxDepth == 0 {
		c.Stream.MaxDepth = cdo.DefaultMaxDepth
	}
	if c.Stream.Recovery == "" {
		c.Stream.Recovery = cdo.RecoveryNone.String()
	}
	if c.Store.Database == "" {
		c.Store.Database = "cdo.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Stream.ChunkWords < 0 {
		return fmt.Errorf("stream.chunk_words must be non-negative, got %d", c.Stream.ChunkWords)
	}
	if c.Stream.MaxDepth < 1 {
		return fmt.Errorf("stream.max_depth must be at least 1, got %d", c.Stream.MaxDepth)
	}
	if _, ok := cdo.ParseRecoveryMode(c.Stream.Recovery); !ok {
		return fmt.Errorf("stream.recovery: unknown mode %q", c.Stream.Recovery)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RecoveryMode returns the configured recovery mode.
func (c *Config) RecoveryMode() cdo.RecoveryMode {
	m, _ := cdo.ParseRecoveryMode(c.Stream.Recovery)
	return m
}

// DatabasePath resolves the database path against the config directory.
func (c *Config) DatabasePath() string {
	if c.Dir == "" || filepath.IsAbs(c.Store.Database) || c.Store.Database == ":memory:" {
		return c.Store.Database
	}
	return filepath.Join(c.Dir, c.Store.Database)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}
