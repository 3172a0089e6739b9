package depot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// InfoFlags are the persistent per-record flags stored in the catalog.
type InfoFlags uint32

const (
	// InfoBaseSystem marks a file that existed on the host before any
	// overlay touched it. Base system records are never removed.
	InfoBaseSystem InfoFlags = 0x0001

	// InfoNoEntry is a placeholder meaning nothing existed at this path.
	InfoNoEntry InfoFlags = 0x0002

	// InfoInstallData means the file's bytes are materialized from the
	// staging area at install time.
	InfoInstallData InfoFlags = 0x0010

	// InfoRollbackData means the file's bytes are saved under the owning
	// rollback archive's backing store directory.
	InfoRollbackData InfoFlags = 0x0020
)

// DiffFlags is the result of comparing two file records.
type DiffFlags uint32

const (
	Identical DiffFlags = 0

	UIDDiffers DiffFlags = 1 << iota
	GIDDiffers
	ModeDiffers // mode differs overall
	TypeDiffers // the file type bits differ
	PermDiffers // the permission bits differ
	DataDiffers
)

// allDiffer is returned when comparing an existent record against nil.
const allDiffer = DiffFlags(0xFFFFFFFF)

// FileRecord is a single path contributed by one archive.
// Paths are stored relative to the depot prefix with a single leading '/'.
type FileRecord struct {
	Serial        int64
	ArchiveSerial int64
	Info          InfoFlags
	Path          string
	Mode          uint32 // raw stat mode, including the file type bits
	UID           uint32
	GID           uint32
	Size          int64
	Digest        string // hex content digest; empty for directories and placeholders
}

// NewNoEntry returns a placeholder record for a path where nothing exists.
func NewNoEntry(relpath string) *FileRecord {
	return &FileRecord{Info: InfoNoEntry, Path: relpath}
}

func (f *FileRecord) Exists() bool    { return f.Info&InfoNoEntry == 0 }
func (f *FileRecord) IsDir() bool     { return f.Exists() && f.Mode&unix.S_IFMT == unix.S_IFDIR }
func (f *FileRecord) IsRegular() bool { return f.Exists() && f.Mode&unix.S_IFMT == unix.S_IFREG }
func (f *FileRecord) IsSymlink() bool { return f.Exists() && f.Mode&unix.S_IFMT == unix.S_IFLNK }

// RecordFromDisk stats fullpath (without following symlinks) and returns a
// record carrying relpath. A missing path yields a NoEntry placeholder.
// Regular files and symlinks get a content digest.
func RecordFromDisk(fullpath, relpath string) (*FileRecord, error) {
	var st unix.Stat_t
	if err := unix.Lstat(fullpath, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return NewNoEntry(relpath), nil
		}
		if errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("stat %s: %w", fullpath, ErrPermissionDenied)
		}
		return nil, &IOError{Path: fullpath, Err: err}
	}

	rec := &FileRecord{
		Path: relpath,
		Mode: uint32(st.Mode),
		UID:  st.Uid,
		GID:  st.Gid,
		Size: st.Size,
	}

	var err error
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		rec.Digest, err = DigestFile(fullpath)
	case unix.S_IFLNK:
		rec.Digest, err = DigestSymlink(fullpath)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Compare computes the difference bits between two records. Comparing a
// record against nil reports every difference; a record always compares
// identical to itself.
func Compare(a, b *FileRecord) DiffFlags {
	if a == b {
		return Identical
	}
	if a == nil || b == nil {
		return allDiffer
	}

	result := Identical
	if a.UID != b.UID {
		result |= UIDDiffers
	}
	if a.GID != b.GID {
		result |= GIDDiffers
	}
	if a.Mode != b.Mode {
		result |= ModeDiffers
	}
	if a.Mode&unix.S_IFMT != b.Mode&unix.S_IFMT {
		result |= TypeDiffers
	}
	if a.Mode&permMask != b.Mode&permMask {
		result |= PermDiffers
	}
	// Two absent digests (directories, placeholders) compare equal.
	if a.Digest != b.Digest {
		result |= DataDiffers
	}
	return result
}

// permMask covers the permission bits including setuid/setgid/sticky.
const permMask = 07777

// Install materializes the record at prefix+Path. Regular files, symlinks,
// devices and fifos are recreated from srcRoot+Path; directories are created
// with the recorded mode; NoEntry placeholders ensure absence.
func (f *FileRecord) Install(srcRoot, prefix string) error {
	dst := AbsoluteUnderPrefix(prefix, f.Path)

	if !f.Exists() {
		// A placeholder means nothing may exist at this path.
		return removeIfPresent(dst)
	}

	switch f.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		// An existing non-directory at the target must give way.
		var st unix.Stat_t
		if err := unix.Lstat(dst, &st); err == nil && st.Mode&unix.S_IFMT != unix.S_IFDIR {
			if err := removeIfPresent(dst); err != nil {
				return err
			}
		}
		if err := unix.Mkdir(dst, f.Mode&permMask); err != nil && !errors.Is(err, unix.EEXIST) {
			return &IOError{Path: dst, Err: err}
		}
		return f.InstallInfo(prefix)

	case unix.S_IFREG:
		src := AbsoluteUnderPrefix(srcRoot, f.Path)
		if err := copyRegular(src, dst); err != nil {
			return err
		}
		return f.InstallInfo(prefix)

	case unix.S_IFLNK:
		src := AbsoluteUnderPrefix(srcRoot, f.Path)
		target, err := os.Readlink(src)
		if err != nil {
			return &IOError{Path: src, Err: err}
		}
		if err := removeIfPresent(dst); err != nil {
			return err
		}
		if err := os.Symlink(target, dst); err != nil {
			return &IOError{Path: dst, Err: err}
		}
		return f.InstallInfo(prefix)

	case unix.S_IFIFO, unix.S_IFBLK, unix.S_IFCHR, unix.S_IFSOCK:
		src := AbsoluteUnderPrefix(srcRoot, f.Path)
		var st unix.Stat_t
		if err := unix.Lstat(src, &st); err != nil {
			return &IOError{Path: src, Err: err}
		}
		if err := removeIfPresent(dst); err != nil {
			return err
		}
		if err := unix.Mknod(dst, uint32(st.Mode), int(st.Rdev)); err != nil {
			return &IOError{Path: dst, Err: err}
		}
		return f.InstallInfo(prefix)
	}

	return fmt.Errorf("unexpected file type %o for %s", f.Mode&unix.S_IFMT, f.Path)
}

// InstallInfo refreshes mode and ownership only, for records whose data is
// already in place.
func (f *FileRecord) InstallInfo(prefix string) error {
	dst := AbsoluteUnderPrefix(prefix, f.Path)

	if f.IsSymlink() {
		// Symlink permissions are immaterial; only ownership applies.
		if err := unix.Lchown(dst, int(f.UID), int(f.GID)); err != nil {
			return &IOError{Path: dst, Err: err}
		}
		return nil
	}

	if err := unix.Chown(dst, int(f.UID), int(f.GID)); err != nil {
		return &IOError{Path: dst, Err: err}
	}
	if err := unix.Chmod(dst, f.Mode&permMask); err != nil {
		return &IOError{Path: dst, Err: err}
	}
	return nil
}

// Remove deletes the record's path under prefix. A missing path is not an
// error. Directories are removed only when empty.
func (f *FileRecord) Remove(prefix string) error {
	dst := AbsoluteUnderPrefix(prefix, f.Path)

	if f.IsDir() {
		err := unix.Rmdir(dst)
		if err != nil && (errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTEMPTY)) {
			return nil
		}
		if err != nil {
			return &IOError{Path: dst, Err: err}
		}
		return nil
	}

	if err := unix.Unlink(dst); err != nil && !errors.Is(err, unix.ENOENT) {
		return &IOError{Path: dst, Err: err}
	}
	return nil
}

// String formats the record the way the files and verify listings print it:
// mode, uid, gid, digest, path.
func (f *FileRecord) String() string {
	digest := f.Digest
	if digest == "" {
		digest = fmt.Sprintf("%64s", "")
	}
	return fmt.Sprintf("%s %4d %4d %s %s", fileModeString(f.Mode), f.UID, f.GID, digest, f.Path)
}

// fileModeString renders a raw stat mode in ls -l form.
func fileModeString(mode uint32) string {
	m := fs.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		m |= fs.ModeDir
	case unix.S_IFLNK:
		m |= fs.ModeSymlink
	case unix.S_IFIFO:
		m |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		m |= fs.ModeSocket
	case unix.S_IFBLK:
		m |= fs.ModeDevice
	case unix.S_IFCHR:
		m |= fs.ModeDevice | fs.ModeCharDevice
	}
	if mode&unix.S_ISUID != 0 {
		m |= fs.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		m |= fs.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		m |= fs.ModeSticky
	}
	return m.String()
}

func removeIfPresent(path string) error {
	err := unix.Unlink(path)
	if err == nil || errors.Is(err, unix.ENOENT) {
		return nil
	}
	// A directory in the way is removed only when empty.
	if errors.Is(err, unix.EISDIR) {
		if err := unix.Rmdir(path); err != nil && !errors.Is(err, unix.ENOENT) {
			return &IOError{Path: path, Err: err}
		}
		return nil
	}
	return &IOError{Path: path, Err: err}
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &IOError{Path: src, Err: err}
	}
	defer in.Close()

	if err := removeIfPresent(dst); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return &IOError{Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return &IOError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &IOError{Path: dst, Err: err}
	}

	// Carry the source timestamp so uninstall restores what install found.
	if info, err := os.Lstat(src); err == nil {
		_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}

// parentDir returns the parent of a prefix-relative path, or "" when the
// path has no parent below the prefix root.
func parentDir(relpath string) string {
	dir := filepath.Dir(relpath)
	if dir == relpath || dir == "/" || dir == "." {
		return ""
	}
	return dir
}
