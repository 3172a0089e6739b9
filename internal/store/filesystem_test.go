package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"darwinup-go/internal/depot"
)

func newTestStore(t *testing.T) *FilesystemStore {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return s
}

func testArchive(name string) *depot.ArchiveRecord {
	gen := depot.UUIDGenerator{}
	return &depot.ArchiveRecord{UUID: gen.New(), Name: name}
}

func TestFilesystemStore_Layout(t *testing.T) {
	prefix := t.TempDir()
	s := New(prefix)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if s.DepotPath() != filepath.Join(prefix, ".DarwinDepot") {
		t.Errorf("DepotPath() = %s", s.DepotPath())
	}
	if filepath.Base(s.DatabasePath()) != "Database-V100" {
		t.Errorf("DatabasePath() = %s, want version-tagged name", s.DatabasePath())
	}
	for _, dir := range []string{s.DepotPath(), s.DownloadsPath(), filepath.Join(s.DepotPath(), "Archives")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}

	// Initialize is idempotent.
	if err := s.Initialize(); err != nil {
		t.Errorf("second Initialize() error = %v", err)
	}
}

func TestFilesystemStore_StageAndArchiveDir(t *testing.T) {
	s := newTestStore(t)
	a := testArchive("app")

	dir, err := s.Stage(a)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if dir != s.ArchiveDir(a) {
		t.Errorf("Stage() = %s, want %s", dir, s.ArchiveDir(a))
	}
	if filepath.Base(dir) != a.UUID {
		t.Errorf("stage dir %s not named by UUID", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("stage dir not created: %v", err)
	}
}

func TestFilesystemStore_SavePreservesMetadata(t *testing.T) {
	s := newTestStore(t)
	a := testArchive("rollback")
	if _, err := s.Stage(a); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	src := filepath.Join(t.TempDir(), "conf")
	if err := os.WriteFile(src, []byte("orig"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := s.Save(a, "/etc/conf", src); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	saved := filepath.Join(s.ArchiveDir(a), "etc", "conf")
	data, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("read saved copy: %v", err)
	}
	if string(data) != "orig" {
		t.Errorf("saved content = %q, want %q", data, "orig")
	}
	info, _ := os.Stat(saved)
	if info.Mode().Perm() != 0640 {
		t.Errorf("saved mode = %o, want 0640", info.Mode().Perm())
	}
}

func TestFilesystemStore_CompactPruneExpand(t *testing.T) {
	s := newTestStore(t)
	a := testArchive("app")
	dir, err := s.Stage(a)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "tool"), []byte("#!x\n"), 0755); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink("tool", filepath.Join(dir, "bin", "alias")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := s.Compact(a); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if err := s.Prune(a); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Prune() left the directory behind")
	}

	if err := s.Expand(a); err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "bin", "tool"))
	if err != nil {
		t.Fatalf("read after expand: %v", err)
	}
	if string(data) != "#!x\n" {
		t.Errorf("content after expand = %q", data)
	}
	info, _ := os.Stat(filepath.Join(dir, "bin", "tool"))
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode after expand = %o, want 0755", info.Mode().Perm())
	}
	target, err := os.Readlink(filepath.Join(dir, "bin", "alias"))
	if err != nil || target != "tool" {
		t.Errorf("symlink after expand = %q, %v", target, err)
	}
}

func TestFilesystemStore_RemoveDeletesCompacted(t *testing.T) {
	s := newTestStore(t)
	a := testArchive("app")
	dir, err := s.Stage(a)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Compact(a); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	if err := s.Remove(a); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Remove() left the directory")
	}
	if _, err := os.Stat(s.compactedPath(a)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Remove() left the compacted archive")
	}
}

func TestFilesystemStore_PruneAll(t *testing.T) {
	s := newTestStore(t)
	a1 := testArchive("one")
	a2 := testArchive("two")
	for _, a := range []*depot.ArchiveRecord{a1, a2} {
		dir, err := s.Stage(a)
		if err != nil {
			t.Fatalf("Stage() error = %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Compact(a1); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	if err := s.PruneAll(); err != nil {
		t.Fatalf("PruneAll() error = %v", err)
	}
	for _, a := range []*depot.ArchiveRecord{a1, a2} {
		if _, err := os.Stat(s.ArchiveDir(a)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("PruneAll() left %s", s.ArchiveDir(a))
		}
	}
	if _, err := os.Stat(s.compactedPath(a1)); err != nil {
		t.Errorf("PruneAll() removed a compacted archive: %v", err)
	}
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "a", "b"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "a", "b", "f"), []byte("data"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dst, "a", "b", "f"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(filepath.Join(dst, "a", "b", "f"))
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
}
