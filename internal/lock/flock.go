// Package lock provides the whole-depot advisory lock: a flock(2) on the
// depot directory, shared for read-only queries and exclusive for
// mutations.
package lock

import (
	"errors"
	"fmt"
	"io/fs"

	"darwinup-go/internal/depot"

	"golang.org/x/sys/unix"
)

// FlockLocker holds an advisory lock on a directory. Acquisition is
// non-blocking: a lock held elsewhere surfaces as depot.ErrLockBusy.
// Shared and Exclusive may be called repeatedly to convert the held lock.
type FlockLocker struct {
	path string
	fd   int
}

var _ depot.Locker = (*FlockLocker)(nil)

// New returns an unacquired locker for the given directory.
func New(path string) *FlockLocker {
	return &FlockLocker{path: path, fd: -1}
}

func (l *FlockLocker) Shared() error    { return l.flock(unix.LOCK_SH) }
func (l *FlockLocker) Exclusive() error { return l.flock(unix.LOCK_EX) }

func (l *FlockLocker) flock(how int) error {
	if l.fd == -1 {
		fd, err := unix.Open(l.path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fmt.Errorf("%s: %w", l.path, depot.ErrPermissionDenied)
			}
			return &depot.IOError{Path: l.path, Err: err}
		}
		l.fd = fd
	}

	if err := unix.Flock(l.fd, how|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: %w", l.path, depot.ErrLockBusy)
		}
		return &depot.IOError{Path: l.path, Err: err}
	}
	return nil
}

// Unlock releases the lock and closes the underlying descriptor.
func (l *FlockLocker) Unlock() error {
	if l.fd == -1 {
		return nil
	}
	err := unix.Flock(l.fd, unix.LOCK_UN)
	unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return &depot.IOError{Path: l.path, Err: err}
	}
	return nil
}
