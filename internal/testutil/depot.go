// Package testutil provides fixtures for depot tests: a fully wired Depot
// over temporary directories, deterministic clocks and IDs, and helpers for
// building source trees.
package testutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"darwinup-go/internal/catalog"
	"darwinup-go/internal/depot"
	"darwinup-go/internal/lock"
	"darwinup-go/internal/store"
)

// Env bundles the collaborators behind a test depot.
type Env struct {
	Prefix  string
	Catalog *catalog.SQLiteCatalog
	Store   *store.FilesystemStore
}

// NewTestDepot wires a Depot over a temporary prefix with a real SQLite
// catalog, a real backing store and a real depot lock. Status and listing
// output are discarded unless opts supplies writers for them. Everything is
// cleaned up when the test completes.
func NewTestDepot(t *testing.T, opts depot.Options) (*depot.Depot, *Env) {
	t.Helper()

	prefix := t.TempDir()
	st := store.New(prefix)
	if err := st.Initialize(); err != nil {
		t.Fatalf("initializing store: %v", err)
	}

	lk := lock.New(st.DepotPath())
	if err := lk.Shared(); err != nil {
		t.Fatalf("locking depot: %v", err)
	}
	t.Cleanup(func() { lk.Unlock() })

	cat, err := catalog.Open(st.DatabasePath(), true)
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	if opts.Status == nil {
		opts.Status = io.Discard
	}
	if opts.Listing == nil {
		opts.Listing = io.Discard
	}

	d := depot.New(prefix, cat, st, lk, depot.NewNopLogger(), depot.RealClock{}, depot.UUIDGenerator{}, opts)
	return d, &Env{Prefix: prefix, Catalog: cat, Store: st}
}

// WriteTree populates root from a map of relative paths to contents. Keys
// ending in "/" create directories; values beginning with "-> " create
// symlinks to the remainder.
func WriteTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	for rel, content := range entries {
		full := filepath.Join(root, rel)
		switch {
		case strings.HasSuffix(rel, "/"):
			if err := os.MkdirAll(full, 0755); err != nil {
				t.Fatalf("mkdir %s: %v", full, err)
			}
		case strings.HasPrefix(content, "-> "):
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				t.Fatalf("mkdir %s: %v", full, err)
			}
			if err := os.Symlink(strings.TrimPrefix(content, "-> "), full); err != nil {
				t.Fatalf("symlink %s: %v", full, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				t.Fatalf("mkdir %s: %v", full, err)
			}
			if err := os.WriteFile(full, []byte(content), 0644); err != nil {
				t.Fatalf("write %s: %v", full, err)
			}
		}
	}
}

// SourceDir builds a directory-tree archive source under a fresh temp dir
// and returns it as an extractor.
func SourceDir(t *testing.T, name string, entries map[string]string) depot.Extractor {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", root, err)
	}
	WriteTree(t, root, entries)
	return &dirSource{path: root, name: name}
}

// SourceDirFrom wraps an existing directory tree as an extractor with the
// given archive name.
func SourceDirFrom(t *testing.T, root, name string) depot.Extractor {
	t.Helper()
	return &dirSource{path: root, name: name}
}

type dirSource struct {
	path string
	name string
}

func (s *dirSource) Name() string { return s.name }

func (s *dirSource) Extract(dest string) error {
	return store.CopyTree(s.path, dest)
}

// FixedClock always reports the same instant.
type FixedClock struct {
	Time time.Time
}

func (c FixedClock) Now() time.Time { return c.Time }

// SequentialIDs hands out UUID-shaped identifiers in order, so tests can
// predict archive directory names.
type SequentialIDs struct {
	n int
}

func (g *SequentialIDs) New() string {
	g.n++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", g.n)
}
