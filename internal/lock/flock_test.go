package lock

import (
	"errors"
	"testing"

	"darwinup-go/internal/depot"
)

func TestFlockLocker(t *testing.T) {
	t.Run("shared then exclusive then downgrade", func(t *testing.T) {
		dir := t.TempDir()
		l := New(dir)
		defer l.Unlock()

		if err := l.Shared(); err != nil {
			t.Fatalf("Shared() error = %v", err)
		}
		if err := l.Exclusive(); err != nil {
			t.Fatalf("Exclusive() error = %v", err)
		}
		if err := l.Shared(); err != nil {
			t.Fatalf("downgrade to Shared() error = %v", err)
		}
	})

	t.Run("two shared holders coexist", func(t *testing.T) {
		dir := t.TempDir()
		a := New(dir)
		b := New(dir)
		defer a.Unlock()
		defer b.Unlock()

		if err := a.Shared(); err != nil {
			t.Fatalf("a.Shared() error = %v", err)
		}
		if err := b.Shared(); err != nil {
			t.Fatalf("b.Shared() error = %v", err)
		}
	})

	t.Run("exclusive blocks other holders", func(t *testing.T) {
		dir := t.TempDir()
		a := New(dir)
		b := New(dir)
		defer a.Unlock()
		defer b.Unlock()

		if err := a.Exclusive(); err != nil {
			t.Fatalf("a.Exclusive() error = %v", err)
		}
		if err := b.Shared(); !errors.Is(err, depot.ErrLockBusy) {
			t.Errorf("b.Shared() error = %v, want ErrLockBusy", err)
		}
		if err := b.Exclusive(); !errors.Is(err, depot.ErrLockBusy) {
			t.Errorf("b.Exclusive() error = %v, want ErrLockBusy", err)
		}
	})

	t.Run("unlock releases for others", func(t *testing.T) {
		dir := t.TempDir()
		a := New(dir)
		b := New(dir)
		defer b.Unlock()

		if err := a.Exclusive(); err != nil {
			t.Fatalf("a.Exclusive() error = %v", err)
		}
		if err := a.Unlock(); err != nil {
			t.Fatalf("a.Unlock() error = %v", err)
		}
		if err := b.Exclusive(); err != nil {
			t.Errorf("b.Exclusive() after unlock error = %v", err)
		}
	})

	t.Run("missing directory is an error", func(t *testing.T) {
		l := New("/nonexistent-depot-dir")
		if err := l.Shared(); err == nil {
			t.Error("expected error for missing lock target")
		}
	})
}
