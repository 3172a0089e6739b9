package depot

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

var (
	// ErrLockBusy means another process holds the depot lock.
	ErrLockBusy = errors.New("depot is locked by another process")

	// ErrPermissionDenied wraps EPERM/EACCES from the depot or prefix.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means no archive matched the given reference. It is also
	// returned for a missing catalog file and a missing archive source.
	ErrNotFound = errors.New("archive not found")

	// ErrRollbackUninstall rejects uninstalling a rollback archive.
	ErrRollbackUninstall = errors.New("cannot uninstall a rollback archive")

	// ErrNoUpgradeTarget means upgrade found no installed archive with a
	// matching name.
	ErrNoUpgradeTarget = errors.New("no matching archive to upgrade")

	// ErrNonFatal reports that an operation run with force enabled
	// completed, but skipped one or more files.
	ErrNonFatal = errors.New("completed with errors")
)

// CatalogError carries the failing statement and underlying driver error.
// Any catalog error aborts the surrounding transaction.
type CatalogError struct {
	Stmt string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog: %v (statement: %s)", e.Err, e.Stmt)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// IOError is a filesystem failure annotated with the offending path.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Is reports EPERM and EACCES failures as ErrPermissionDenied.
func (e *IOError) Is(target error) bool {
	return target == ErrPermissionDenied && errors.Is(e.Err, fs.ErrPermission)
}

// InconsistentStateError reports archives left inactive by an interrupted
// install. Further mutations are refused until they are resolved.
type InconsistentStateError struct {
	Serials []int64
}

func (e *InconsistentStateError) Error() string {
	refs := make([]string, len(e.Serials))
	for i, s := range e.Serials {
		refs[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("depot has inactive archives (serials %s); uninstall them before proceeding",
		strings.Join(refs, ", "))
}
