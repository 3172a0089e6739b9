package extract

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"darwinup-go/internal/depot"
)

// zipExtractor handles .zip sources. Zip archives carry mode bits but no
// ownership; extracted entries belong to the invoking user.
type zipExtractor struct {
	path string
	name string
}

func (e *zipExtractor) Name() string { return e.name }

func (e *zipExtractor) Extract(dest string) error {
	zr, err := zip.OpenReader(e.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", e.path, err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if err := extractZipEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(entry *zip.File, dest string) error {
	name := filepath.Clean(entry.Name)
	if name == "." || filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return fmt.Errorf("unsafe zip entry name: %s", entry.Name)
	}
	target := filepath.Join(dest, name)

	mode := entry.Mode()
	if mode.IsDir() {
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}

	in, err := entry.Open()
	if err != nil {
		return fmt.Errorf("reading zip entry %s: %w", entry.Name, err)
	}
	defer in.Close()

	if mode&fs.ModeSymlink != 0 {
		targetBytes, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("reading zip entry %s: %w", entry.Name, err)
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &depot.IOError{Path: target, Err: err}
		}
		if err := os.Symlink(string(targetBytes), target); err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
		return nil
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &depot.IOError{Path: target, Err: err}
	}
	if err := out.Close(); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	if err := os.Chmod(target, mode.Perm()); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	if err := os.Chtimes(target, entry.Modified, entry.Modified); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	return nil
}
