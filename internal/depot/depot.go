package depot

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Keywords accepted wherever an archive reference is expected.
const (
	KeywordNewest     = "newest"
	KeywordOldest     = "oldest"
	KeywordAll        = "all"
	KeywordSuperseded = "superseded"
)

// Options tune a Depot's behavior.
type Options struct {
	// Force continues past non-fatal per-file errors; the operation then
	// finishes with ErrNonFatal.
	Force bool

	// DryRun performs analysis and catalog inserts under a transaction
	// that is always rolled back, and makes no filesystem mutations
	// outside the staging area.
	DryRun bool

	// Status receives the one-line-per-path progress output. Defaults to
	// os.Stderr.
	Status io.Writer

	// Listing receives the tabular output of list/files/verify. Defaults
	// to os.Stdout.
	Listing io.Writer
}

// Depot coordinates the catalog, the backing store and the depot lock to
// install and uninstall overlays under a prefix.
type Depot struct {
	prefix  string
	catalog Catalog
	store   BackingStore
	lock    Locker
	logger  Logger
	clock   Clock
	idgen   IDGenerator
	opts    Options

	archives     map[int64]*ArchiveRecord // serial lookups are memoized
	forcedErrors int                      // files skipped under Force
}

// New wires a Depot from its collaborators. The caller has already
// initialized the store and acquired at least a shared lock.
func New(prefix string, cat Catalog, store BackingStore, lock Locker, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Depot {
	if opts.Status == nil {
		opts.Status = os.Stderr
	}
	if opts.Listing == nil {
		opts.Listing = os.Stdout
	}
	return &Depot{
		prefix:   prefix,
		catalog:  cat,
		store:    store,
		lock:     lock,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		opts:     opts,
		archives: make(map[int64]*ArchiveRecord),
	}
}

// Prefix returns the depot's target prefix.
func (d *Depot) Prefix() string { return d.prefix }

// archive resolves a serial through the memo cache.
func (d *Depot) archive(serial int64) (*ArchiveRecord, error) {
	if a, ok := d.archives[serial]; ok {
		return a, nil
	}
	a, err := d.catalog.ArchiveBySerial(serial)
	if err != nil {
		return nil, err
	}
	if a != nil {
		d.archives[serial] = a
	}
	return a, nil
}

// FindArchive resolves a single archive reference: a UUID, a numeric
// serial, the keywords newest/oldest, or a name (newest match wins).
func (d *Depot) FindArchive(ref string) (*ArchiveRecord, error) {
	if id, err := uuid.Parse(ref); err == nil {
		a, err := d.catalog.ArchiveByUUID(strings.ToUpper(id.String()))
		return d.found(a, ref, err)
	}
	if serial, err := strconv.ParseInt(ref, 10, 64); err == nil && serial > 0 {
		a, err := d.catalog.ArchiveBySerial(serial)
		return d.found(a, ref, err)
	}
	switch strings.ToLower(ref) {
	case KeywordNewest:
		a, err := d.catalog.NewestArchive()
		return d.found(a, ref, err)
	case KeywordOldest:
		a, err := d.catalog.OldestArchive()
		return d.found(a, ref, err)
	}
	a, err := d.catalog.ArchiveByName(ref)
	return d.found(a, ref, err)
}

func (d *Depot) found(a *ArchiveRecord, ref string, err error) (*ArchiveRecord, error) {
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return a, nil
}

// ResolveArchives expands an archive reference into the list of archives it
// names. The keyword "all" selects every non-rollback archive;
// "superseded" selects archives whose every file record is shadowed by a
// newer archive.
func (d *Depot) ResolveArchives(ref string) ([]*ArchiveRecord, error) {
	switch strings.ToLower(ref) {
	case KeywordAll:
		return d.catalog.Archives(false)
	case KeywordSuperseded:
		return d.supersededArchives()
	}
	a, err := d.FindArchive(ref)
	if err != nil {
		return nil, err
	}
	return []*ArchiveRecord{a}, nil
}

// supersededArchives returns archives every one of whose files is owned by
// a newer layer, making them safe to uninstall without filesystem changes.
func (d *Depot) supersededArchives() ([]*ArchiveRecord, error) {
	all, err := d.catalog.Archives(false)
	if err != nil {
		return nil, err
	}
	var result []*ArchiveRecord
	for _, a := range all {
		files, err := d.catalog.Files(a.Serial)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		superseded := true
		for _, f := range files {
			sup, err := d.catalog.Superseding(a.Serial, f.Path)
			if err != nil {
				return nil, err
			}
			if sup == nil {
				superseded = false
				break
			}
		}
		if superseded {
			result = append(result, a)
		}
	}
	return result, nil
}

// List prints the installed archives, newest first. Rollback archives are
// included only when verbose is set.
func (d *Depot) List(verbose bool) error {
	archives, err := d.catalog.Archives(verbose)
	if err != nil {
		return err
	}
	d.listHeader()
	for _, a := range archives {
		d.listArchive(a)
	}
	return nil
}

// Files prints an archive's records sorted by path.
func (d *Depot) Files(a *ArchiveRecord) error {
	d.listHeader()
	d.listArchive(a)
	fmt.Fprintln(d.opts.Listing, listRule)
	files, err := d.catalog.Files(a.Serial)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(d.opts.Listing, f.String())
	}
	fmt.Fprintln(d.opts.Listing, listRule)
	return nil
}

// Verify compares each of an archive's records against the filesystem:
// 'M' modified, 'R' missing, blank otherwise.
func (d *Depot) Verify(a *ArchiveRecord) error {
	d.listHeader()
	d.listArchive(a)
	fmt.Fprintln(d.opts.Listing, listRule)
	files, err := d.catalog.Files(a.Serial)
	if err != nil {
		return err
	}
	for _, f := range files {
		actual, err := RecordFromDisk(AbsoluteUnderPrefix(d.prefix, f.Path), f.Path)
		if err != nil {
			return err
		}
		state := ' '
		switch {
		case !actual.Exists() && f.Exists():
			state = 'R'
		case Compare(f, actual) != Identical:
			state = 'M'
		}
		fmt.Fprintf(d.opts.Listing, "%c %s\n", state, f.String())
	}
	fmt.Fprintln(d.opts.Listing, listRule)
	return nil
}

// Dump prints every archive including rollbacks, each with its full file
// listing.
func (d *Depot) Dump() error {
	archives, err := d.catalog.Archives(true)
	if err != nil {
		return err
	}
	d.listHeader()
	for _, a := range archives {
		d.listArchive(a)
		fmt.Fprintln(d.opts.Listing, listRule)
		files, err := d.catalog.Files(a.Serial)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintf(d.opts.Listing, "%04x %s\n", uint32(f.Info), f.String())
		}
		fmt.Fprintln(d.opts.Listing, listRule)
	}
	return nil
}

const listRule = "======================================================================================="

func (d *Depot) listHeader() {
	fmt.Fprintf(d.opts.Listing, "%-6s %-36s  %-23s  %s\n", "Serial", "UUID", "Date Installed", "Name")
	fmt.Fprintln(d.opts.Listing, "====== ====================================  =======================  =================")
}

func (d *Depot) listArchive(a *ArchiveRecord) {
	date := time.Unix(a.DateAdded, 0).Local().Format("2006-01-02 15:04:05 MST")
	fmt.Fprintf(d.opts.Listing, "%-6d %-36s  %-23s  %s\n", a.Serial, a.UUID, date, a.Name)
}

// CheckConsistency looks for archives left inactive by an interrupted
// install. With resolve set they are uninstalled; otherwise an
// *InconsistentStateError is returned so the caller can refuse mutations.
// A clean depot returns nil.
func (d *Depot) CheckConsistency(resolve bool) error {
	inactive, err := d.catalog.InactiveArchives()
	if err != nil {
		return err
	}
	if len(inactive) == 0 {
		return nil
	}

	if !resolve {
		serials := make([]int64, len(inactive))
		for i, a := range inactive {
			serials[i] = a.Serial
		}
		return &InconsistentStateError{Serials: serials}
	}

	for _, a := range inactive {
		d.logger.Info("uninstalling inactive archive", "serial", a.Serial, "uuid", a.UUID)
		if a.IsRollback() {
			// An orphaned rollback is removed directly: replaying it
			// makes no sense without the install it was shadowing.
			if err := d.removeArchive(a); err != nil {
				return err
			}
			continue
		}
		if err := d.Uninstall(a); err != nil {
			return err
		}
	}
	return nil
}

// removeArchive drops an archive and its backing store without touching
// the filesystem under the prefix.
func (d *Depot) removeArchive(a *ArchiveRecord) error {
	if err := d.catalog.Begin(); err != nil {
		return err
	}
	if err := d.catalog.DeleteArchive(a.Serial); err != nil {
		d.catalog.Rollback()
		return err
	}
	if err := d.catalog.Commit(); err != nil {
		return err
	}
	return d.store.Remove(a)
}

// status emits the per-path progress line.
func (d *Depot) status(state byte, relpath string) {
	fmt.Fprintf(d.opts.Status, "%c %s\n", state, relpath)
}
