package store

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"darwinup-go/internal/depot"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sys/unix"
)

// tarDirectory writes the contents of dir as a gzip-compressed tarball at
// tarball, with entry names relative to dir.
func tarDirectory(dir, tarball string) error {
	out, err := os.OpenFile(tarball, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return &depot.IOError{Path: tarball, Err: err}
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return &depot.IOError{Path: p, Err: err}
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return writeTarEntry(tw, p, rel)
	})

	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tarball)
		return fmt.Errorf("compacting %s: %w", dir, err)
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, path, name string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return &depot.IOError{Path: path, Err: err}
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(st.Mode & 07777),
		Uid:     int(st.Uid),
		Gid:     int(st.Gid),
		ModTime: unixTimespec(st.Mtim),
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case unix.S_IFREG:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = st.Size
	case unix.S_IFLNK:
		target, err := os.Readlink(path)
		if err != nil {
			return &depot.IOError{Path: path, Err: err}
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
	case unix.S_IFIFO:
		hdr.Typeflag = tar.TypeFifo
	case unix.S_IFBLK:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor = int64(unix.Major(uint64(st.Rdev)))
		hdr.Devminor = int64(unix.Minor(uint64(st.Rdev)))
	case unix.S_IFCHR:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor = int64(unix.Major(uint64(st.Rdev)))
		hdr.Devminor = int64(unix.Minor(uint64(st.Rdev)))
	default:
		return fmt.Errorf("unexpected file type %o: %s", st.Mode&unix.S_IFMT, path)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return &depot.IOError{Path: path, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return &depot.IOError{Path: path, Err: err}
	}
	return nil
}

// UntarGz expands a gzip-compressed tar stream into dest, restoring mode
// and modification time. Ownership is restored only when running as root.
func UntarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()
	return Untar(gz, dest)
}

// Untar expands a tar stream into dest.
func Untar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if err := extractTarEntry(tr, hdr, dest); err != nil {
			return err
		}
	}
}

func extractTarEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	name := filepath.Clean(hdr.Name)
	if name == "." || filepath.IsAbs(name) || !filepath.IsLocal(name) {
		return fmt.Errorf("unsafe tar entry name: %s", hdr.Name)
	}
	target := filepath.Join(dest, name)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.Mkdir(target, 0700); err != nil && !errors.Is(err, fs.ErrExist) {
			return &depot.IOError{Path: target, Err: err}
		}
	case tar.TypeReg:
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return &depot.IOError{Path: target, Err: err}
		}
		if err := out.Close(); err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
	case tar.TypeSymlink:
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &depot.IOError{Path: target, Err: err}
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
		if os.Geteuid() == 0 {
			if err := unix.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
				return &depot.IOError{Path: target, Err: err}
			}
		}
		return nil
	case tar.TypeFifo:
		if err := unix.Mkfifo(target, uint32(hdr.Mode)); err != nil && !errors.Is(err, unix.EEXIST) {
			return &depot.IOError{Path: target, Err: err}
		}
	case tar.TypeBlock, tar.TypeChar:
		mode := uint32(hdr.Mode)
		if hdr.Typeflag == tar.TypeBlock {
			mode |= unix.S_IFBLK
		} else {
			mode |= unix.S_IFCHR
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(target, mode, int(dev)); err != nil && !errors.Is(err, unix.EEXIST) {
			return &depot.IOError{Path: target, Err: err}
		}
	default:
		return fmt.Errorf("unexpected tar entry type %c: %s", hdr.Typeflag, hdr.Name)
	}

	// Ownership is restored only when running as root, like tar(1).
	if os.Geteuid() == 0 {
		if err := unix.Chown(target, hdr.Uid, hdr.Gid); err != nil {
			return &depot.IOError{Path: target, Err: err}
		}
	}
	if err := unix.Chmod(target, uint32(hdr.Mode)&07777); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
		return &depot.IOError{Path: target, Err: err}
	}
	return nil
}

func unixTimespec(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}
