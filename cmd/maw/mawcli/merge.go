package mawcli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bobisme/maw/internal/merge"
)

func newMergeCmd(e *env) *cobra.Command {
	var mainline string
	var destroySources bool

	cmd := &cobra.Command{
		Use:   "merge <source-workspace>...",
		Short: "Run the PREPARE->BUILD->VALIDATE->COMMIT->CLEANUP merge engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := merge.New(e.git, e.clock)
			ctx := cmd.Context()

			opts := merge.Options{
				Sources:        args,
				Mainline:       mainline,
				DestroySources: destroySources,
				Validation: merge.ValidationConfig{
					Command:   e.cfg.Merge.Validation.Command,
					Timeout:   e.cfg.ValidationTimeout(),
					OnFailure: e.cfg.OnFailurePolicy(),
				},
				Drivers: e.cfg.Drivers(),
			}

			if recovered, err := engine.StartupRecover(ctx, opts); err != nil {
				return err
			} else if recovered != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "recovered in-flight merge %s\n", recovered.MergeID)
			}

			outcome, err := engine.Merge(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merge_id: %s\nepoch: %s\nvalidation: %s\n",
				outcome.MergeID, outcome.CandidateEpoch, outcome.Validation.Status)
			for _, w := range outcome.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mainline, "mainline", "refs/heads/main", "mainline ref the merge advances")
	cmd.Flags().BoolVar(&destroySources, "destroy-sources", false, "destroy source workspaces on successful cleanup")
	return cmd
}
