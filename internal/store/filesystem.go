package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"darwinup-go/internal/depot"

	"golang.org/x/sys/unix"
)

// Directory and file names under <prefix>/.DarwinDepot/. The database file
// carries its schema version tag in the name so future migrations can be
// detected from the directory listing alone.
const (
	DepotDirName    = ".DarwinDepot"
	DatabaseName    = "Database-V100"
	ArchivesDirName = "Archives"
	DownloadsName   = "Downloads"
)

// depotMode is the mode of the depot's own directories.
const depotMode = 0750

// FilesystemStore is the on-disk backing store rooted at
// <prefix>/.DarwinDepot/. Each archive gets a directory named by its
// uppercase UUID, used both as the staging area during install and as the
// mirror of saved original files for rollback archives.
type FilesystemStore struct {
	prefix        string
	depotPath     string
	archivesPath  string
	downloadsPath string
}

var _ depot.BackingStore = (*FilesystemStore)(nil)

// New returns a store for the given prefix. Call Initialize before use.
func New(prefix string) *FilesystemStore {
	depotPath := filepath.Join(prefix, DepotDirName)
	return &FilesystemStore{
		prefix:        prefix,
		depotPath:     depotPath,
		archivesPath:  filepath.Join(depotPath, ArchivesDirName),
		downloadsPath: filepath.Join(depotPath, DownloadsName),
	}
}

// Initialize creates the depot directory tree.
func (s *FilesystemStore) Initialize() error {
	for _, dir := range []string{s.depotPath, s.archivesPath, s.downloadsPath} {
		if err := os.Mkdir(dir, depotMode); err != nil && !errors.Is(err, fs.ErrExist) {
			if errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%s: %w", dir, depot.ErrPermissionDenied)
			}
			return &depot.IOError{Path: dir, Err: err}
		}
	}
	return nil
}

func (s *FilesystemStore) DepotPath() string     { return s.depotPath }
func (s *FilesystemStore) DatabasePath() string  { return filepath.Join(s.depotPath, DatabaseName) }
func (s *FilesystemStore) DownloadsPath() string { return s.downloadsPath }

func (s *FilesystemStore) ArchiveDir(a *depot.ArchiveRecord) string {
	return filepath.Join(s.archivesPath, a.UUID)
}

func (s *FilesystemStore) compactedPath(a *depot.ArchiveRecord) string {
	return filepath.Join(s.archivesPath, a.UUID+".tar.gz")
}

// Stage creates the archive's directory and returns it.
func (s *FilesystemStore) Stage(a *depot.ArchiveRecord) (string, error) {
	dir := s.ArchiveDir(a)
	if err := os.Mkdir(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", &depot.IOError{Path: dir, Err: err}
	}
	return dir, nil
}

// Save copies the prefix-relative relpath from src into the archive's
// directory, preserving mode, ownership and modification time.
func (s *FilesystemStore) Save(a *depot.ArchiveRecord, relpath, src string) error {
	dst := depot.AbsoluteUnderPrefix(s.ArchiveDir(a), relpath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	return CopyEntry(src, dst)
}

// Compact produces <UUID>.tar.gz from the directory's current contents so
// the directory may later be pruned to reclaim space.
func (s *FilesystemStore) Compact(a *depot.ArchiveRecord) error {
	return tarDirectory(s.ArchiveDir(a), s.compactedPath(a))
}

// Expand restores the archive directory from the compacted file.
func (s *FilesystemStore) Expand(a *depot.ArchiveRecord) error {
	dir := s.ArchiveDir(a)
	if err := os.Mkdir(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return &depot.IOError{Path: dir, Err: err}
	}
	f, err := os.Open(s.compactedPath(a))
	if err != nil {
		return &depot.IOError{Path: s.compactedPath(a), Err: err}
	}
	defer f.Close()
	return UntarGz(f, dir)
}

// Prune removes the expanded directory; the compacted file remains.
func (s *FilesystemStore) Prune(a *depot.ArchiveRecord) error {
	if err := os.RemoveAll(s.ArchiveDir(a)); err != nil {
		return &depot.IOError{Path: s.ArchiveDir(a), Err: err}
	}
	return nil
}

// Remove deletes the expanded directory and the compacted file.
func (s *FilesystemStore) Remove(a *depot.ArchiveRecord) error {
	if err := s.Prune(a); err != nil {
		return err
	}
	if err := os.Remove(s.compactedPath(a)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &depot.IOError{Path: s.compactedPath(a), Err: err}
	}
	return nil
}

// PruneAll removes every expanded per-archive directory, leaving the
// compacted files in place.
func (s *FilesystemStore) PruneAll() error {
	entries, err := os.ReadDir(s.archivesPath)
	if err != nil {
		return &depot.IOError{Path: s.archivesPath, Err: err}
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.archivesPath, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			return &depot.IOError{Path: dir, Err: err}
		}
	}
	return nil
}

// CopyEntry replicates a single filesystem entry (without following
// symlinks), preserving mode, ownership and modification time.
func CopyEntry(src, dst string) error {
	var st unix.Stat_t
	if err := unix.Lstat(src, &st); err != nil {
		return &depot.IOError{Path: src, Err: err}
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		if err := os.Mkdir(dst, 0700); err != nil && !errors.Is(err, fs.ErrExist) {
			return &depot.IOError{Path: dst, Err: err}
		}
	case unix.S_IFREG:
		if err := copyFileContents(src, dst); err != nil {
			return err
		}
	case unix.S_IFLNK:
		target, err := os.Readlink(src)
		if err != nil {
			return &depot.IOError{Path: src, Err: err}
		}
		if err := os.Symlink(target, dst); err != nil && !errors.Is(err, fs.ErrExist) {
			return &depot.IOError{Path: dst, Err: err}
		}
		// Only ownership applies to links.
		if err := unix.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
			return &depot.IOError{Path: dst, Err: err}
		}
		return nil
	case unix.S_IFIFO, unix.S_IFBLK, unix.S_IFCHR, unix.S_IFSOCK:
		if err := unix.Mknod(dst, uint32(st.Mode), int(st.Rdev)); err != nil && !errors.Is(err, unix.EEXIST) {
			return &depot.IOError{Path: dst, Err: err}
		}
	default:
		return fmt.Errorf("unexpected file type %o: %s", st.Mode&unix.S_IFMT, src)
	}

	if err := unix.Chown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	if err := unix.Chmod(dst, uint32(st.Mode)&07777); err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	mtime := unixTimespec(st.Mtim)
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	return nil
}

// CopyTree replicates src's contents under dst. dst must already exist.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return &depot.IOError{Path: p, Err: err}
		}
		if p == src {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		return CopyEntry(p, filepath.Join(dst, rel))
	})
}

func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &depot.IOError{Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return &depot.IOError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &depot.IOError{Path: dst, Err: err}
	}
	return nil
}
