// Package app wires the configuration, the depot lock, the catalog, the
// backing store and the logger into a ready-to-use Depot, and exposes the
// high-level operations the CLI invokes.
package app

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"darwinup-go/internal/catalog"
	"darwinup-go/internal/config"
	"darwinup-go/internal/depot"
	"darwinup-go/internal/extract"
	"darwinup-go/internal/lock"
	"darwinup-go/internal/store"

	"golang.org/x/term"
)

// Options carry the CLI flags into the app.
type Options struct {
	Prefix    string // -p; empty means config/default
	Verbosity int    // stacked -v count
	Force     bool   // -f
	DryRun    bool   // -n
}

// App owns the lifecycle of one CLI invocation against a depot.
type App struct {
	cfg     *config.Config
	depot   *depot.Depot
	catalog *catalog.SQLiteCatalog
	store   *store.FilesystemStore
	lock    *lock.FlockLocker
	logFile *os.File
	verbose bool
}

// New initializes the depot under the chosen prefix: directories are
// created, a shared lock is taken, and the catalog is opened (creating and
// migrating it on first use). The caller must call Close.
func New(opts Options) (*App, error) {
	cfgPath, err := config.Path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ReadFromFile(cfgPath)
	if err != nil {
		return nil, err
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = cfg.Prefix
	}

	st := store.New(prefix)
	if err := st.Initialize(); err != nil {
		return nil, err
	}

	lk := lock.New(st.DepotPath())
	if err := lk.Shared(); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(st.DatabasePath(), true)
	if err != nil {
		lk.Unlock()
		return nil, err
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, opts.Verbosity)
	if err != nil {
		cat.Close()
		lk.Unlock()
		return nil, err
	}

	d := depot.New(prefix, cat, st, lk, &slogAdapter{l: logger}, depot.RealClock{}, depot.UUIDGenerator{}, depot.Options{
		Force:  opts.Force || cfg.Force,
		DryRun: opts.DryRun,
	})

	return &App{
		cfg:     cfg,
		depot:   d,
		catalog: cat,
		store:   st,
		lock:    lk,
		logFile: logFile,
		verbose: opts.Verbosity > 0,
	}, nil
}

// Close releases the depot lock and all resources.
func (a *App) Close() error {
	var firstErr error
	if err := a.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// requireConsistent refuses mutations while inactive archives exist,
// offering to uninstall them when running interactively.
func (a *App) requireConsistent() error {
	err := a.depot.CheckConsistency(false)
	var inconsistent *depot.InconsistentStateError
	if !errors.As(err, &inconsistent) {
		return err
	}

	fmt.Fprintf(os.Stderr, "The following archives are in an inconsistent state and must be uninstalled before proceeding:\n\n")
	for _, serial := range inconsistent.Serials {
		fmt.Fprintf(os.Stderr, "  serial %d\n", serial)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return err
	}

	fmt.Fprintf(os.Stderr, "\nWould you like to uninstall them now? [y/n] ")
	answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if len(answer) == 0 || (answer[0] != 'y' && answer[0] != 'Y') {
		return err
	}
	return a.depot.CheckConsistency(true)
}

// Install fetches, analyzes and installs the archive source, printing the
// new archive's UUID on success. A failed install is rolled back so the
// depot is left untouched.
func (a *App) Install(source string) error {
	if err := a.requireConsistent(); err != nil {
		return err
	}

	ex, err := extract.New(source, a.store.DownloadsPath())
	if err != nil {
		return err
	}

	archive, err := a.depot.Install(ex)
	if err == nil || errors.Is(err, depot.ErrNonFatal) {
		fmt.Fprintln(os.Stdout, archive.UUID)
		return err
	}

	// The catalog may already carry the half-applied install; undo it.
	if archive != nil && archive.Serial != 0 {
		fmt.Fprintln(os.Stderr, "Install failed. Rolling back installation.")
		if uerr := a.depot.Uninstall(archive); uerr != nil {
			fmt.Fprintln(os.Stderr, "Unable to roll back installation; the depot is in an inconsistent state.")
		}
	}
	return err
}

// Upgrade installs the source and retires older archives with the same
// name.
func (a *App) Upgrade(source string) error {
	if err := a.requireConsistent(); err != nil {
		return err
	}

	ex, err := extract.New(source, a.store.DownloadsPath())
	if err != nil {
		return err
	}

	archive, err := a.depot.Upgrade(ex)
	if err == nil || errors.Is(err, depot.ErrNonFatal) {
		fmt.Fprintln(os.Stdout, archive.UUID)
	}
	return err
}

// Uninstall removes each archive the reference resolves to.
func (a *App) Uninstall(ref string) error {
	if err := a.requireConsistent(); err != nil {
		return err
	}

	archives, err := a.depot.ResolveArchives(ref)
	if err != nil {
		return err
	}
	for _, archive := range archives {
		if err := a.depot.Uninstall(archive); err != nil {
			return err
		}
	}
	return nil
}

// List prints the installed archives.
func (a *App) List() error {
	return a.depot.List(a.verbose)
}

// Files prints the file records of each archive the reference resolves to.
func (a *App) Files(ref string) error {
	archives, err := a.depot.ResolveArchives(ref)
	if err != nil {
		return err
	}
	for _, archive := range archives {
		if err := a.depot.Files(archive); err != nil {
			return err
		}
	}
	return nil
}

// Verify compares each archive's records against the filesystem.
func (a *App) Verify(ref string) error {
	archives, err := a.depot.ResolveArchives(ref)
	if err != nil {
		return err
	}
	for _, archive := range archives {
		if err := a.depot.Verify(archive); err != nil {
			return err
		}
	}
	return nil
}

// Dump prints every archive, rollbacks included, with file listings.
func (a *App) Dump() error {
	return a.depot.Dump()
}
