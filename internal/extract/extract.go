// Package extract decodes archive sources into a staging directory.
// Local sources are dispatched on file type and suffix; remote sources
// (http, scp-style, s3) are fetched into the depot's Downloads directory
// first and then dispatched the same way.
package extract

import (
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"darwinup-go/internal/depot"
	"darwinup-go/internal/store"

	"github.com/klauspost/compress/gzip"
)

// New returns a decoder for source. Remote sources are downloaded into
// downloadDir before the local decoder is chosen. A missing local source
// surfaces depot.ErrNotFound.
func New(source, downloadDir string) (depot.Extractor, error) {
	switch {
	case strings.HasPrefix(source, "s3://"):
		local, err := fetchS3(source, downloadDir)
		if err != nil {
			return nil, err
		}
		return newLocal(local, filepath.Base(source))
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		local, err := fetchURL(source, downloadDir)
		if err != nil {
			return nil, err
		}
		return newLocal(local, filepath.Base(source))
	case isUserHostPath(source):
		local, err := fetchUserHost(source, downloadDir)
		if err != nil {
			return nil, err
		}
		return newLocal(local, filepath.Base(source))
	}
	return newLocal(source, filepath.Base(source))
}

// isUserHostPath recognizes scp-style user@host:path sources.
func isUserHostPath(source string) bool {
	at := strings.IndexByte(source, '@')
	colon := strings.IndexByte(source, ':')
	return at >= 0 && colon >= 0 && at < colon
}

func newLocal(path, name string) (depot.Extractor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, depot.ErrNotFound)
		}
		return nil, &depot.IOError{Path: path, Err: err}
	}

	if info.IsDir() {
		return &dirExtractor{path: path, name: name}, nil
	}

	switch {
	case hasSuffix(path, ".tar"):
		return &tarExtractor{path: path, name: name, compression: compressionNone}, nil
	case hasSuffix(path, ".tar.gz"), hasSuffix(path, ".tgz"):
		return &tarExtractor{path: path, name: name, compression: compressionGzip}, nil
	case hasSuffix(path, ".tar.bz2"), hasSuffix(path, ".tbz2"):
		return &tarExtractor{path: path, name: name, compression: compressionBzip2}, nil
	case hasSuffix(path, ".zip"):
		return &zipExtractor{path: path, name: name}, nil
	}
	return nil, fmt.Errorf("unknown archive type: %s", path)
}

func hasSuffix(path, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(path), suffix)
}

// dirExtractor installs a root that is already a directory tree.
type dirExtractor struct {
	path string
	name string
}

func (e *dirExtractor) Name() string { return e.name }

func (e *dirExtractor) Extract(dest string) error {
	return store.CopyTree(e.path, dest)
}

type compression int

const (
	compressionNone compression = iota
	compressionGzip
	compressionBzip2
)

// tarExtractor handles .tar, .tar.gz/.tgz and .tar.bz2/.tbz2 sources.
type tarExtractor struct {
	path        string
	name        string
	compression compression
}

func (e *tarExtractor) Name() string { return e.name }

func (e *tarExtractor) Extract(dest string) error {
	f, err := os.Open(e.path)
	if err != nil {
		return &depot.IOError{Path: e.path, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	switch e.compression {
	case compressionGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("reading %s: %w", e.path, err)
		}
		defer gz.Close()
		r = gz
	case compressionBzip2:
		r = bzip2.NewReader(f)
	}
	return store.Untar(r, dest)
}
