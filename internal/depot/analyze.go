package depot

import (
	"io/fs"
	"os"
	"path/filepath"
)

// analyzeStage performs the three-way diff for every entry in the staged
// tree: the incoming file, the file currently on disk under the prefix, and
// the most recent preceding catalog record for the path. It inserts the
// incoming records into archive and the displaced state into rollback, and
// returns the number of records added to the rollback archive.
//
// Caller holds the exclusive lock and an open transaction.
func (d *Depot) analyzeStage(stage string, archive, rollback *ArchiveRecord) (int, error) {
	rollbackFiles := 0

	err := filepath.WalkDir(stage, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return &IOError{Path: p, Err: err}
		}
		if p == stage {
			return nil
		}

		relpath := RelativeToPrefix(stage, p)
		n, err := d.analyzeEntry(stage, relpath, archive, rollback)
		if err != nil {
			if d.skippable(err, relpath) {
				return nil
			}
			return err
		}
		rollbackFiles += n
		return nil
	})
	return rollbackFiles, err
}

// analyzeEntry handles a single staged path and returns how many records it
// contributed to the rollback archive.
func (d *Depot) analyzeEntry(stage, relpath string, archive, rollback *ArchiveRecord) (int, error) {
	incoming, err := RecordFromDisk(AbsoluteUnderPrefix(stage, relpath), relpath)
	if err != nil {
		return 0, err
	}
	if !incoming.Exists() {
		// The entry vanished mid-walk; nothing to install.
		return 0, nil
	}

	actual, err := RecordFromDisk(AbsoluteUnderPrefix(d.prefix, relpath), relpath)
	if err != nil {
		return 0, err
	}

	preceding, err := d.catalog.Preceding(archive.Serial, relpath)
	if err != nil {
		return 0, err
	}

	if preceding == nil {
		// Nothing is known about this path: whatever is on disk is a
		// base system original. Back up its data only when it is a
		// regular file.
		actual.Info |= InfoBaseSystem
		if actual.IsRegular() {
			actual.Info |= InfoRollbackData
			incoming.Info |= InfoInstallData
		}
		preceding = actual
	}

	actualFlags := Compare(incoming, actual)
	precedingFlags := Compare(actual, preceding)

	state := byte(' ')
	if actualFlags != Identical {
		if actual.Exists() {
			state = 'U'
		} else {
			state = 'A'
		}
		if actualFlags&(TypeDiffers|DataDiffers) != 0 {
			incoming.Info |= InfoInstallData
			// The user changed the file since the preceding install;
			// capture the live bytes before overwriting them.
			if precedingFlags&(TypeDiffers|DataDiffers) != 0 && actual.IsRegular() {
				actual.Info |= InfoRollbackData
			}
		}
	}

	if actual.Info&InfoRollbackData != 0 {
		if err := d.prepareRollbackDir(rollback, relpath); err != nil {
			return 0, err
		}
	}

	inserted := 0
	if (state != ' ' && precedingFlags != Identical) ||
		actual.Info&(InfoBaseSystem|InfoRollbackData) != 0 {
		if _, err := d.catalog.InsertFile(rollback.Serial, actual); err != nil {
			return 0, err
		}
		inserted++
		n, err := d.insertParents(rollback, relpath)
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if _, err := d.catalog.InsertFile(archive.Serial, incoming); err != nil {
		return 0, err
	}

	d.status(state, relpath)
	return inserted, nil
}

// prepareRollbackDir creates the parent directories a rollback copy will
// land in, under the rollback archive's backing store.
func (d *Depot) prepareRollbackDir(rollback *ArchiveRecord, relpath string) error {
	dir := filepath.Dir(AbsoluteUnderPrefix(d.store.ArchiveDir(rollback), relpath))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOError{Path: dir, Err: err}
	}
	return nil
}

// insertParents records the existing parent directories of relpath in the
// rollback archive, so uninstall can restore their metadata. Missing
// parents mean the path is part of a base system snapshot without matching
// directories, and the walk stops.
func (d *Depot) insertParents(rollback *ArchiveRecord, relpath string) (int, error) {
	inserted := 0
	for ppath := parentDir(relpath); ppath != ""; ppath = parentDir(ppath) {
		parent, err := RecordFromDisk(AbsoluteUnderPrefix(d.prefix, ppath), ppath)
		if err != nil {
			return inserted, err
		}
		if !parent.Exists() {
			break
		}
		if _, err := d.catalog.InsertFile(rollback.Serial, parent); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}
