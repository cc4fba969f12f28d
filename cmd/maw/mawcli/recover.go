package mawcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/maw/cmd/maw/recoverui"
	"github.com/bobisme/maw/internal/capture"
	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/workspace"
)

// newRecoverCmd wires the capture/recovery surface onto list/search/show/
// restore subcommands, grounded on the teacher's rewind.go command shape
// (a parent command with a default interactive picker, plus scriptable
// subcommands for non-interactive use).
func newRecoverCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "List, search, and restore recovery snapshots",
	}
	cmd.AddCommand(newRecoverListCmd(e))
	cmd.AddCommand(newRecoverSearchCmd(e))
	cmd.AddCommand(newRecoverShowCmd(e))
	cmd.AddCommand(newRecoverRestoreCmd(e))
	return cmd
}

func newRecoverListCmd(e *env) *cobra.Command {
	var ws string
	c := &cobra.Command{
		Use:   "list",
		Short: "List recovery refs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := capture.ListRecoveryRefs(e.git, ws)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
	c.Flags().StringVar(&ws, "workspace", "", "restrict to one workspace's recovery refs")
	return c
}

func newRecoverSearchCmd(e *env) *cobra.Command {
	var ws string
	var regex, ignoreCase bool
	c := &cobra.Command{
		Use:   "search <pattern>",
		Short: "Search recovery snapshot content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := capture.ListRecoveryRefs(e.git, ws)
			if err != nil {
				return err
			}
			hits, err := capture.Search(e.git, names, args[0], capture.SearchOptions{
				Regex:           regex,
				CaseInsensitive: ignoreCase,
			})
			if err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s:%d:%s\n", h.RefName, h.Path, h.Line, h.Snippet)
			}
			return nil
		},
	}
	c.Flags().StringVar(&ws, "workspace", "", "restrict to one workspace's recovery refs")
	c.Flags().BoolVar(&regex, "regex", false, "treat pattern as a regular expression")
	c.Flags().BoolVar(&ignoreCase, "ignore-case", false, "case-insensitive match")
	return c
}

func newRecoverShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref> <path>",
		Short: "Print a file's content as of a recovery ref",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := capture.ShowFile(e.git, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
}

func newRecoverRestoreCmd(e *env) *cobra.Command {
	var interactive bool
	c := &cobra.Command{
		Use:   "restore [ref] <new-workspace-name>",
		Short: "Create a new workspace populated from a recovery snapshot",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend := workspace.New(e.git, e.clock)

			var refName, newName string
			switch {
			case len(args) == 2 && !interactive:
				refName, newName = args[0], args[1]
			case len(args) == 1 && !isTTY():
				return mawerr.InvalidInput("recover restore: both <ref> and <new-workspace-name> are required without an interactive terminal")
			case len(args) == 1:
				names, err := capture.ListRecoveryRefs(e.git, "")
				if err != nil {
					return err
				}
				choices := recoverui.ChoicesFromRefNames(names)
				selected, err := recoverui.SelectRef(choices)
				if err != nil {
					return mawerr.InvalidInput("recover restore: %v", err)
				}
				refName, newName = selected, args[0]
			default:
				return mawerr.InvalidInput("recover restore: --interactive requires exactly <new-workspace-name>")
			}

			if err := backend.RestoreTo(refName, newName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s -> workspace %s\n", refName, newName)
			return nil
		},
	}
	c.Flags().BoolVar(&interactive, "interactive", false, "pick the ref interactively; only valid with <new-workspace-name> alone")
	return c
}
