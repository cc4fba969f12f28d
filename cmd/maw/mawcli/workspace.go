package mawcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/maw/internal/mawerr"
	"github.com/bobisme/maw/internal/refs"
	"github.com/bobisme/maw/internal/workspace"
)

func newWorkspaceCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage isolated agent working copies",
	}
	cmd.AddCommand(newWorkspaceCreateCmd(e))
	cmd.AddCommand(newWorkspaceDestroyCmd(e))
	cmd.AddCommand(newWorkspaceListCmd(e))
	cmd.AddCommand(newWorkspaceStatusCmd(e))
	cmd.AddCommand(newWorkspaceSyncCmd(e))
	return cmd
}

func newWorkspaceCreateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new workspace at the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			epoch, err := e.git.ReadRef(refs.EpochCurrent())
			if err != nil {
				return mawerr.NotFound("no current epoch; repository not yet initialized for maw")
			}
			backend := workspace.New(e.git, e.clock)
			path, err := backend.Create(args[0], epoch)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newWorkspaceDestroyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <name>",
		Short: "Destroy a workspace, capturing any uncommitted work first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return workspace.New(e.git, e.clock).Destroy(args[0])
		},
	}
}

func newWorkspaceListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known workspaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			metas, err := workspace.New(e.git, e.clock).List()
			if err != nil {
				return err
			}
			for _, m := range metas {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", m.Name, m.Backend, m.BaseEpoch)
			}
			return nil
		},
	}
}

func newWorkspaceStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show a workspace's relationship to its base epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := workspace.New(e.git, e.clock).Status(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workspace: %s\nbase_epoch: %s\ndirty: %v\nahead: %d\nbehind: %d\n",
				st.Name, st.BaseEpoch, st.Dirty, st.AheadOfEpoch, st.BehindEpoch)
			return nil
		},
	}
}

func newWorkspaceSyncCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <name>",
		Short: "Fast-forward a clean workspace to the current epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			epoch, err := e.git.ReadRef(refs.EpochCurrent())
			if err != nil {
				return mawerr.NotFound("no current epoch")
			}
			return workspace.New(e.git, e.clock).Sync(args[0], epoch)
		},
	}
}
