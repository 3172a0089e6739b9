package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRead(t *testing.T) {
	t.Run("parses all fields", func(t *testing.T) {
		input := `
prefix = "/tmp/root"
log_dir = "/var/log/darwinup"
force = true
`
		cfg, err := Read(strings.NewReader(input))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Prefix != "/tmp/root" {
			t.Errorf("Prefix = %q", cfg.Prefix)
		}
		if cfg.LogDir != "/var/log/darwinup" {
			t.Errorf("LogDir = %q", cfg.LogDir)
		}
		if !cfg.Force {
			t.Errorf("Force = false, want true")
		}
	})

	t.Run("empty input yields defaults", func(t *testing.T) {
		cfg, err := Read(strings.NewReader(""))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if cfg.Prefix != "/" {
			t.Errorf("Prefix = %q, want /", cfg.Prefix)
		}
	})

	t.Run("invalid toml is an error", func(t *testing.T) {
		if _, err := Read(strings.NewReader("prefix = [")); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestReadFromFile_Missing(t *testing.T) {
	cfg, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("ReadFromFile(missing) error = %v", err)
	}
	if cfg.Prefix != "/" {
		t.Errorf("Prefix = %q, want default", cfg.Prefix)
	}
}

func TestPath_EnvOverride(t *testing.T) {
	t.Setenv("DARWINUP_CONFIG_PATH", "/custom/darwinup.toml")
	path, err := Path()
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if path != "/custom/darwinup.toml" {
		t.Errorf("Path() = %q", path)
	}
}
