package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"darwinup-go/internal/depot"
)

// newTestApp wires an App against a temp prefix with config resolution
// pointed at a nonexistent file (defaults apply).
func newTestApp(t *testing.T, opts Options) (*App, string) {
	t.Helper()
	t.Setenv("DARWINUP_CONFIG_PATH", filepath.Join(t.TempDir(), "no-config.toml"))

	prefix := t.TempDir()
	opts.Prefix = prefix
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, prefix
}

// writeSource builds a directory-tree source with a single file.
func writeSource(t *testing.T, name, rel, content string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(filepath.Dir(filepath.Join(root, rel)), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return root
}

func TestApp_InstallUninstallRoundTrip(t *testing.T) {
	a, prefix := newTestApp(t, Options{})

	src := writeSource(t, "root1", "etc/conf", "v1\n")
	if err := a.Install(src); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(prefix, "etc", "conf"))
	if err != nil {
		t.Fatalf("read installed file: %v", err)
	}
	if string(data) != "v1\n" {
		t.Errorf("content = %q, want %q", data, "v1\n")
	}

	// The archive resolves by its source basename.
	if err := a.Uninstall("root1"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "etc", "conf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file still present after uninstall")
	}
}

func TestApp_UninstallUnknownArchive(t *testing.T) {
	a, _ := newTestApp(t, Options{})

	err := a.Uninstall("22969F32-9C4F-4370-82C8-DD3609736D8D")
	if !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("Uninstall(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestApp_InstallUnknownSource(t *testing.T) {
	a, _ := newTestApp(t, Options{})

	err := a.Install(filepath.Join(t.TempDir(), "missing.tar"))
	if !errors.Is(err, depot.ErrNotFound) {
		t.Errorf("Install(missing) error = %v, want ErrNotFound", err)
	}
}

func TestApp_DryRunInstall(t *testing.T) {
	a, prefix := newTestApp(t, Options{DryRun: true})

	src := writeSource(t, "root1", "hello", "hi\n")
	if err := a.Install(src); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "hello")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run wrote to the prefix")
	}
}

func TestApp_SecondAppSeesInstall(t *testing.T) {
	t.Setenv("DARWINUP_CONFIG_PATH", filepath.Join(t.TempDir(), "no-config.toml"))
	prefix := t.TempDir()

	a, err := New(Options{Prefix: prefix})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	src := writeSource(t, "root1", "hello", "hi\n")
	if err := a.Install(src); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// A fresh invocation against the same prefix sees the archive.
	b, err := New(Options{Prefix: prefix})
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer b.Close()
	if err := b.Uninstall("newest"); err != nil {
		t.Errorf("Uninstall(newest) error = %v", err)
	}
}
