// Package config reads the optional darwinup configuration file.
// CLI flags always override file values; a missing file yields defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the settings the CLI reads at startup.
type Config struct {
	// Prefix is the default depot prefix; must be absolute.
	Prefix string `toml:"prefix"`

	// LogDir receives the operation log. Empty disables the log file.
	LogDir string `toml:"log_dir"`

	// Force continues past non-fatal per-file errors by default.
	Force bool `toml:"force"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{Prefix: "/"}
}

// Path returns the config file location: DARWINUP_CONFIG_PATH when set,
// otherwise ~/.config/darwinup.toml.
func Path() (string, error) {
	if path := os.Getenv("DARWINUP_CONFIG_PATH"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "darwinup.toml"), nil
}

// Read decodes a Config from the provided reader.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// ReadFromFile reads a Config from the given path. A missing file is not
// an error: the defaults apply.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}
