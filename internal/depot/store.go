package depot

// BackingStore is the on-disk layout under <prefix>/.DarwinDepot/: the
// staging area for archive extraction and the per-archive directories
// mirroring saved original files.
//
// All copies preserve mode, ownership and modification time.
type BackingStore interface {
	// Initialize creates the depot directory tree.
	Initialize() error

	// DepotPath is the .DarwinDepot directory itself (lock target).
	DepotPath() string

	// DatabasePath is the catalog file, named with its schema version tag.
	DatabasePath() string

	// DownloadsPath holds fetched remote archives.
	DownloadsPath() string

	// ArchiveDir returns the per-archive directory path without creating it.
	ArchiveDir(a *ArchiveRecord) string

	// Stage creates and returns the archive's directory, where the decoder
	// deposits extracted content.
	Stage(a *ArchiveRecord) (string, error)

	// Save copies prefix-relative relpath from src into the archive's
	// directory, creating parents as needed.
	Save(a *ArchiveRecord, relpath, src string) error

	// Compact writes <UUID>.tar.gz from the directory's current contents,
	// so the directory itself may later be pruned to reclaim space.
	Compact(a *ArchiveRecord) error

	// Expand restores the directory from the compacted file.
	Expand(a *ArchiveRecord) error

	// Prune removes the expanded directory; the compacted file remains.
	Prune(a *ArchiveRecord) error

	// Remove deletes both the directory and the compacted file.
	Remove(a *ArchiveRecord) error

	// PruneAll removes every expanded per-archive directory.
	PruneAll() error
}

// Extractor decodes one archive source into a staging directory.
// Implementations cover local directories, tarballs, zip files and remote
// URLs; the depot core only consumes this interface.
type Extractor interface {
	// Extract deposits the source's contents into dest, which exists and
	// is empty on entry.
	Extract(dest string) error

	// Name is the display name for the archive, usually the source
	// basename.
	Name() string
}

// Locker is the whole-depot advisory lock: shared for read-only queries,
// exclusive for mutations. Acquisition never blocks; a held lock surfaces
// as ErrLockBusy.
type Locker interface {
	Shared() error
	Exclusive() error
	Unlock() error
}
