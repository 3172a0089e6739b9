package depot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Uninstall removes a non-rollback overlay, reconstructing each path from
// the immediately preceding record. Paths owned by a newer overlay are left
// untouched, as are base system files and files the user modified since the
// install.
func (d *Depot) Uninstall(a *ArchiveRecord) error {
	if a.IsRollback() {
		return ErrRollbackUninstall
	}

	if err := d.lock.Exclusive(); err != nil {
		return err
	}
	defer d.lock.Shared()

	d.forcedErrors = 0

	// Deactivate first: if we crash mid-restore the archive shows up as
	// inconsistent instead of silently half-removed.
	if err := d.inTransaction(func() error { return d.catalog.Deactivate(a.Serial) }); err != nil {
		return err
	}

	files, err := d.catalog.Files(a.Serial)
	if err != nil {
		return err
	}

	var doomed []int64
	var removedDirs []*FileRecord
	for _, f := range files {
		serials, removedDir, err := d.uninstallFile(a, f)
		if err != nil {
			if d.skippable(err, f.Path) {
				continue
			}
			return err
		}
		doomed = append(doomed, serials...)
		if removedDir != nil {
			removedDirs = append(removedDirs, removedDir)
		}
	}

	// Directories empty out only after their contents are processed, so
	// retry their removal deepest-first.
	for i := len(removedDirs) - 1; i >= 0; i-- {
		if err := removedDirs[i].Remove(d.prefix); err != nil && !d.skippable(err, removedDirs[i].Path) {
			return err
		}
	}

	if err := d.inTransaction(func() error {
		for _, serial := range doomed {
			if err := d.catalog.DeleteFile(serial); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := d.inTransaction(func() error { return d.catalog.DeleteArchive(a.Serial) }); err != nil {
		return err
	}

	if err := d.inTransaction(func() error { return d.catalog.PruneEmptyArchives() }); err != nil {
		return err
	}

	// Catalog work is done; reclaim disk space last.
	if err := d.store.Remove(a); err != nil {
		d.logger.Warn("removing backing store", "uuid", a.UUID, "error", err)
	}
	if err := d.store.PruneAll(); err != nil {
		d.logger.Warn("pruning backing store", "error", err)
	}

	d.logger.Info("uninstall complete", "uuid", a.UUID, "serial", a.Serial, "name", a.Name)
	if d.forcedErrors > 0 {
		return fmt.Errorf("%w: %d file(s) skipped", ErrNonFatal, d.forcedErrors)
	}
	return nil
}

// uninstallFile restores a single path. It returns the serials of preceding
// records the catalog no longer needs once this layer is gone, and the
// actual record when a directory removal was attempted (so the caller can
// retry it once the directory has emptied).
func (d *Depot) uninstallFile(a *ArchiveRecord, f *FileRecord) ([]int64, *FileRecord, error) {
	// Base system files are never removed by uninstall.
	if f.Info&InfoBaseSystem != 0 {
		return nil, nil, nil
	}

	actual, err := RecordFromDisk(AbsoluteUnderPrefix(d.prefix, f.Path), f.Path)
	if err != nil {
		return nil, nil, err
	}

	if actual.Exists() && Compare(f, actual) != Identical {
		d.logger.Warn("user changes since install; leaving in place", "path", f.Path)
		d.status(' ', f.Path)
		return nil, nil, nil
	}

	sup, err := d.catalog.Superseding(a.Serial, f.Path)
	if err != nil {
		return nil, nil, err
	}
	if sup != nil {
		// A newer overlay owns this path.
		d.status(' ', f.Path)
		return nil, nil, nil
	}

	prec, err := d.catalog.Preceding(a.Serial, f.Path)
	if err != nil {
		return nil, nil, err
	}
	if prec == nil {
		return nil, nil, fmt.Errorf("no preceding record for %s in archive %d; catalog is inconsistent", f.Path, a.Serial)
	}

	state := byte(' ')
	var removedDir *FileRecord
	if prec.Info&InfoNoEntry != 0 {
		state = 'R'
		if actual.Exists() {
			if err := actual.Remove(d.prefix); err != nil {
				return nil, nil, err
			}
			if actual.IsDir() {
				removedDir = actual
			}
		}
	} else {
		flags := Compare(f, prec)
		switch {
		case flags&DataDiffers != 0:
			state = 'U'
			if err := d.restoreRecord(prec); err != nil {
				return nil, nil, err
			}
		case flags&(ModeDiffers|UIDDiffers|GIDDiffers) != 0:
			if err := prec.InstallInfo(d.prefix); err != nil {
				return nil, nil, err
			}
		}
	}

	d.status(state, f.Path)

	var doomed []int64
	if prec.Info&(InfoNoEntry|InfoRollbackData) != 0 && prec.Info&InfoBaseSystem == 0 {
		doomed = append(doomed, prec.Serial)
	}
	return doomed, removedDir, nil
}

// restoreRecord materializes a preceding record from its owning archive's
// backing store, expanding the compacted archive on demand when the
// directory was pruned.
func (d *Depot) restoreRecord(rec *FileRecord) error {
	owner, err := d.archive(rec.ArchiveSerial)
	if err != nil {
		return err
	}
	if owner == nil {
		return fmt.Errorf("archive %d not found for %s; catalog is inconsistent", rec.ArchiveSerial, rec.Path)
	}

	srcRoot := d.store.ArchiveDir(owner)
	err = rec.Install(srcRoot, d.prefix)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(srcRoot); statErr != nil {
			if err := d.store.Expand(owner); err != nil {
				return err
			}
			err = rec.Install(srcRoot, d.prefix)
		}
	}
	return err
}

// inTransaction wraps a catalog mutation in its own transaction.
func (d *Depot) inTransaction(fn func() error) error {
	if err := d.catalog.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		d.catalog.Rollback()
		return err
	}
	return d.catalog.Commit()
}
