// Package mawcli is the thin cobra/pflag CLI front-end wiring
// workspace/merge/recover subcommands onto the core library packages.
// Grounded on the teacher's cmd/entire/cli root command (root.go):
// SilenceErrors so main.go owns error printing, a PersistentPostRun
// telemetry hook, and a version subcommand, generalized from Entire's
// session/rewind/resume surface to maw's workspace/merge/recover one.
package mawcli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bobisme/maw/internal/config"
	"github.com/bobisme/maw/internal/gitx"
	"github.com/bobisme/maw/internal/logging"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// FormatEnvVar and NoColorEnvVar are spec §6's documented output
// environment variables.
const (
	FormatEnvVar  = "MANIFOLD_FORMAT"
	NoColorEnvVar = "MANIFOLD_NO_COLOR"
)

// ExitCodeFor maps an error to spec §6's exit code contract: 0 success
// (a nil error), 1 user error, 2 system error.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case mawerr.Is(err, mawerr.KindInvalidInput), mawerr.Is(err, mawerr.KindNotFound):
		return 1
	default:
		return 2
	}
}

// env bundles the dependencies every subcommand needs, built once in
// PersistentPreRunE from the discovered repository root.
type env struct {
	git     *gitx.Adapter
	cfg     *config.Config
	clock   *refs.Clock
	repoRoot string
}

// NewRootCmd constructs the maw command tree.
func NewRootCmd() *cobra.Command {
	var e env

	cmd := &cobra.Command{
		Use:           "maw",
		Short:         "Workspace coordination layer atop Git",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			root, err := os.Getwd()
			if err != nil {
				return err
			}
			adapter, err := gitx.Open(root)
			if err != nil {
				return mawerr.InvalidInput("not a git repository: %v", err)
			}
			cfg, err := config.Load(adapter.Root())
			if err != nil {
				return err
			}
			if err := logging.Init(adapter.Root(), "cli", cfg.LogLevel); err != nil {
				return err
			}
			e = env{
				git:      adapter,
				cfg:      cfg,
				clock:    refs.NewClock(refs.ResolutionMillis),
				repoRoot: adapter.Root(),
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			defer logging.Close()
			client := telemetry.NewClient(Version, e.cfg.Telemetry, os.Getenv(telemetry.OptOutEnvVar))
			defer client.Close()
			client.TrackOperation(cmd.Name(), 0, false)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().String("format", os.Getenv(FormatEnvVar), "output format: text | pretty | json")
	cmd.PersistentFlags().Bool("no-color", os.Getenv(NoColorEnvVar) != "", "disable ANSI color in pretty output")

	cmd.AddCommand(newWorkspaceCmd(&e))
	cmd.AddCommand(newMergeCmd(&e))
	cmd.AddCommand(newRecoverCmd(&e))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "maw %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

// isTTY reports whether stdout is attached to a terminal; recover restore
// uses it to decide whether the interactive picker can run.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
