// Package cmd implements the command-line entry point: a single command
// that mounts the xochitl document store as a FUSE filesystem, in the
// Cobra-based shape gcsfuse's own cmd package uses.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	debug    bool
	jsonLog  bool
	uid      int
	gid      int
	trashLim int
)

var rootCmd = &cobra.Command{
	Use:   "fuse-rm [flags] source target",
	Short: "Mount a reMarkable xochitl document store as a conventional filesystem",
	Long: `fuse-rm is a FUSE adapter that projects the flat, UUID-keyed
xochitl on-disk document store onto a conventional hierarchical
filesystem: collections become directories, documents become files
named after their visible name plus a format extension.`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

func init() {
	rootCmd.Flags().BoolVar(&debug, "debug", false, "log at trace level")
	rootCmd.Flags().BoolVar(&jsonLog, "log-format-json", false, "emit logs as JSON instead of text")
	rootCmd.Flags().IntVar(&uid, "uid", os.Getuid(), "uid reported for every entry")
	rootCmd.Flags().IntVar(&gid, "gid", os.Getgid(), "gid reported for every entry")
	rootCmd.Flags().IntVarP(&trashLim, "limit", "l", 10, "maximum trash entries to reclaim at startup")
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
