package depot

// Catalog is the durable, transactional store of archives and files.
//
// Transactions are single-level: every mutating call must happen between
// Begin and Commit (or Rollback), and implementations reject mutations made
// outside a transaction. Any driver error surfaces as a *CatalogError and
// aborts the surrounding transaction.
type Catalog interface {
	Begin() error
	Commit() error
	Rollback() error

	// InsertArchive assigns the next serial and stores the record with
	// active=0. The assigned serial is written back and returned.
	InsertArchive(a *ArchiveRecord) (int64, error)

	// InsertFile stores a file record owned by the given archive. If a
	// record for (archive, path) already exists it is updated in place.
	InsertFile(archiveSerial int64, f *FileRecord) (int64, error)

	// DeleteArchive removes an archive and all of its file records.
	DeleteArchive(serial int64) error

	// DeleteFile removes a single file record by serial.
	DeleteFile(serial int64) error

	// Archives yields archives newest first. Rollback archives are
	// included only when includeRollbacks is set.
	Archives(includeRollbacks bool) ([]*ArchiveRecord, error)

	// Files yields an archive's records in ascending path order.
	Files(archiveSerial int64) ([]*FileRecord, error)

	// Lookup primitives. A miss returns (nil, nil).
	ArchiveBySerial(serial int64) (*ArchiveRecord, error)
	ArchiveByUUID(uuid string) (*ArchiveRecord, error)
	// ArchiveByName resolves to the newest matching archive.
	ArchiveByName(name string) (*ArchiveRecord, error)
	NewestArchive() (*ArchiveRecord, error)
	OldestArchive() (*ArchiveRecord, error)

	// Preceding returns the record for path with the greatest archive
	// serial strictly less than archiveSerial, or (nil, nil).
	Preceding(archiveSerial int64, path string) (*FileRecord, error)

	// Superseding is symmetric: the least strictly greater.
	Superseding(archiveSerial int64, path string) (*FileRecord, error)

	Activate(serial int64) error
	Deactivate(serial int64) error

	// InactiveArchives returns all archives with active=0, newest first.
	// These mark interrupted installs that need crash recovery.
	InactiveArchives() ([]*ArchiveRecord, error)

	// PruneEmptyArchives deletes archives with no remaining file records.
	PruneEmptyArchives() error

	Close() error
}
