package depot

import (
	"errors"
	"fmt"
)

// Install extracts the source, analyzes it against the live filesystem and
// the overlay stack, and installs it as the newest overlay. The catalog is
// committed before the filesystem is touched, so a crash during the
// filesystem phase leaves active=0 archives that CheckConsistency detects.
//
// On success the installed archive is returned. With Options.Force set, a
// partially-applied install returns the archive together with ErrNonFatal.
func (d *Depot) Install(src Extractor) (*ArchiveRecord, error) {
	if err := d.lock.Exclusive(); err != nil {
		return nil, err
	}
	defer d.lock.Shared()

	d.forcedErrors = 0
	archive := NewArchive(src.Name(), d.clock, d.idgen)
	rollback := NewRollbackArchive(d.clock, d.idgen)

	keepRollback, stage, err := d.installCatalogPhase(src, archive, rollback)
	if err != nil || d.opts.DryRun {
		// Leave nothing behind: the transaction is gone, remove the
		// staging directories too. A zero serial tells the caller the
		// catalog never saw this archive, so there is nothing to undo.
		d.store.Remove(archive)
		d.store.Remove(rollback)
		if err != nil {
			archive.Serial = 0
		}
		return archive, err
	}

	if err := d.installFilesystemPhase(stage, archive, rollback, keepRollback); err != nil {
		return archive, err
	}

	if err := d.activate(archive, rollback, keepRollback); err != nil {
		return archive, err
	}

	d.store.Prune(archive)
	if keepRollback {
		d.store.Prune(rollback)
	} else {
		d.store.Remove(rollback)
	}

	d.logger.Info("install complete", "uuid", archive.UUID, "serial", archive.Serial, "name", archive.Name)
	if d.forcedErrors > 0 {
		return archive, fmt.Errorf("%w: %d file(s) skipped", ErrNonFatal, d.forcedErrors)
	}
	return archive, nil
}

// installCatalogPhase runs everything that happens inside the install
// transaction: archive insertion, extraction, analysis. The rollback
// archive is inserted first so its serial precedes the new archive's,
// keeping the stack chronology correct. It is dropped again if the
// analysis put nothing in it.
//
// On error, and in dry-run mode, the transaction is rolled back and the
// depot is untouched.
func (d *Depot) installCatalogPhase(src Extractor, archive, rollback *ArchiveRecord) (keepRollback bool, stage string, err error) {
	if err := d.catalog.Begin(); err != nil {
		return false, "", err
	}
	abort := func(err error) (bool, string, error) {
		d.catalog.Rollback()
		return false, "", err
	}

	if _, err := d.catalog.InsertArchive(rollback); err != nil {
		return abort(err)
	}
	if _, err := d.catalog.InsertArchive(archive); err != nil {
		return abort(err)
	}

	stage, err = d.store.Stage(archive)
	if err != nil {
		return abort(err)
	}
	if _, err := d.store.Stage(rollback); err != nil {
		return abort(err)
	}

	if err := src.Extract(stage); err != nil {
		return abort(fmt.Errorf("extracting %s: %w", src.Name(), err))
	}

	rollbackFiles, err := d.analyzeStage(stage, archive, rollback)
	if err != nil {
		return abort(err)
	}

	keepRollback = rollbackFiles > 0
	if !keepRollback {
		if err := d.catalog.DeleteArchive(rollback.Serial); err != nil {
			return abort(err)
		}
	}

	if d.opts.DryRun {
		d.catalog.Rollback()
		return keepRollback, stage, nil
	}
	if err := d.catalog.Commit(); err != nil {
		return false, "", err
	}
	return keepRollback, stage, nil
}

// installFilesystemPhase compacts the staged tree, saves the live files the
// analyzer flagged into the rollback backing store, then materializes the
// new archive under the prefix in ascending path order.
func (d *Depot) installFilesystemPhase(stage string, archive, rollback *ArchiveRecord, keepRollback bool) error {
	if err := d.store.Compact(archive); err != nil {
		return err
	}

	if keepRollback {
		files, err := d.catalog.Files(rollback.Serial)
		if err != nil {
			return err
		}
		saved := 0
		for _, f := range files {
			if f.Info&InfoRollbackData == 0 {
				continue
			}
			src := AbsoluteUnderPrefix(d.prefix, f.Path)
			if err := d.store.Save(rollback, f.Path, src); err != nil {
				if !d.skippable(err, f.Path) {
					return err
				}
				continue
			}
			saved++
		}
		if saved > 0 {
			if err := d.store.Compact(rollback); err != nil {
				return err
			}
		}
	}

	files, err := d.catalog.Files(archive.Serial)
	if err != nil {
		return err
	}
	for _, f := range files {
		var err error
		if f.Info&InfoInstallData != 0 {
			err = f.Install(stage, d.prefix)
		} else {
			err = f.InstallInfo(d.prefix)
		}
		if err != nil && !d.skippable(err, f.Path) {
			return err
		}
	}
	return nil
}

// activate marks the install complete in the catalog.
func (d *Depot) activate(archive, rollback *ArchiveRecord, keepRollback bool) error {
	if err := d.catalog.Begin(); err != nil {
		return err
	}
	if keepRollback {
		if err := d.catalog.Activate(rollback.Serial); err != nil {
			d.catalog.Rollback()
			return err
		}
	}
	if err := d.catalog.Activate(archive.Serial); err != nil {
		d.catalog.Rollback()
		return err
	}
	return d.catalog.Commit()
}

// skippable logs and swallows a per-file error when Force is enabled.
// Catalog errors are never skippable.
func (d *Depot) skippable(err error, relpath string) bool {
	var cerr *CatalogError
	if !d.opts.Force || errors.As(err, &cerr) {
		return false
	}
	d.logger.Warn("skipping file", "path", relpath, "error", err)
	d.forcedErrors++
	return true
}

// Upgrade installs the source, then uninstalls every older archive with the
// same name. It fails with ErrNoUpgradeTarget when no archive carries the
// name.
func (d *Depot) Upgrade(src Extractor) (*ArchiveRecord, error) {
	prior, err := d.catalog.ArchiveByName(src.Name())
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoUpgradeTarget, src.Name())
	}

	archive, err := d.Install(src)
	if err != nil {
		return archive, err
	}

	all, err := d.catalog.Archives(false)
	if err != nil {
		return archive, err
	}
	for _, a := range all {
		if a.Name != archive.Name || a.Serial == archive.Serial {
			continue
		}
		if err := d.Uninstall(a); err != nil {
			return archive, err
		}
	}
	return archive, nil
}
