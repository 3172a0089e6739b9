package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"darwinup-go/internal/app"
	"darwinup-go/internal/depot"

	"github.com/spf13/cobra"
)

// Exit codes, stable for scripting.
const (
	exitOK               = 0
	exitError            = 1 // usage or archive not found
	exitDepotUnavailable = 2 // lock or permission failure on the depot
	exitBadPrefix        = 4 // -p is not an absolute path
	exitNoUpgradeTarget  = 5 // upgrade found no matching archive
	exitCatalogDenied    = 6 // read permission denied on the catalog
)

var errBadPrefix = errors.New("-p option must be an absolute path")

var (
	flagPrefix    string
	flagVerbosity int
	flagForce     bool
	flagDryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto the documented exit codes.
func exitCode(err error) int {
	var catErr *depot.CatalogError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errBadPrefix):
		return exitBadPrefix
	case errors.Is(err, depot.ErrNoUpgradeTarget):
		return exitNoUpgradeTarget
	case errors.As(err, &catErr) && errors.Is(err, depot.ErrPermissionDenied):
		return exitCatalogDenied
	case errors.Is(err, depot.ErrLockBusy), errors.Is(err, depot.ErrPermissionDenied):
		return exitDepotUnavailable
	default:
		return exitError
	}
}

// newApp validates the flags and wires an App. The caller must defer
// a.Close().
func newApp() (*app.App, error) {
	if flagPrefix != "" && !filepath.IsAbs(flagPrefix) {
		return nil, errBadPrefix
	}
	return app.New(app.Options{
		Prefix:    flagPrefix,
		Verbosity: flagVerbosity,
		Force:     flagForce,
		DryRun:    flagDryRun,
	})
}

// run wraps a command body with app construction and teardown.
func run(fn func(a *app.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		a, err := newApp()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		defer a.Close()

		if err := fn(a, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		return nil
	}
}

var rootCmd = &cobra.Command{
	Use:           "darwinup",
	Short:         "Install and uninstall roots on top of a filesystem prefix",
	SilenceErrors: true,
}

var installCmd = &cobra.Command{
	Use:   "install SOURCE",
	Short: "Install an archive as the newest overlay",
	Long: `Install an archive as the newest overlay under the prefix.

SOURCE may be a directory, a .tar/.tar.gz/.tar.bz2/.zip archive, an
http(s):// or s3:// URL, or an scp-style user@host:path.`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(a *app.App, args []string) error {
		return a.Install(args[0])
	}),
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade SOURCE",
	Short: "Install an archive, then uninstall older archives with the same name",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(a *app.App, args []string) error {
		return a.Upgrade(args[0])
	}),
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall ARCHIVE",
	Short: "Uninstall an overlay, restoring the preceding state",
	Long: `Uninstall an overlay, restoring the preceding state of each path.

ARCHIVE may be a UUID, a numeric serial, an archive name (newest match
wins), or one of the keywords: newest, oldest, superseded, all.`,
	Args: cobra.ExactArgs(1),
	RunE: run(func(a *app.App, args []string) error {
		return a.Uninstall(args[0])
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed archives, newest first",
	Args:  cobra.NoArgs,
	RunE: run(func(a *app.App, args []string) error {
		return a.List()
	}),
}

var filesCmd = &cobra.Command{
	Use:   "files ARCHIVE",
	Short: "List the files of an archive",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(a *app.App, args []string) error {
		return a.Files(args[0])
	}),
}

var verifyCmd = &cobra.Command{
	Use:   "verify ARCHIVE",
	Short: "Compare an archive's files against the filesystem",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(a *app.App, args []string) error {
		return a.Verify(args[0])
	}),
}

var dumpCmd = &cobra.Command{
	Use:    "dump",
	Short:  "List every archive including rollbacks, with files",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: run(func(a *app.App, args []string) error {
		return a.Dump()
	}),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagPrefix, "prefix", "p", "", "operate on roots under DIR (default \"/\")")
	rootCmd.PersistentFlags().CountVarP(&flagVerbosity, "verbose", "v", "verbose output (stackable)")
	rootCmd.PersistentFlags().BoolVarP(&flagForce, "force", "f", false, "continue past non-fatal errors")
	rootCmd.PersistentFlags().BoolVarP(&flagDryRun, "dry-run", "n", false, "analyze without mutating the filesystem")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(dumpCmd)
}
