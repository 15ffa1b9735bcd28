package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/schemaepoch"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Message string
}

// NewSyncCommand runs one push+pull cycle (spec.md §4.6).
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "sync",
		Short:         "run one push, then pull, cycle against the cloud home",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "human-readable changeset message")
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if err := schemaepoch.Check(ctx, rt.home, rt.master, rt.device.SchemaVersion); err != nil {
		return err
	}

	if err := rt.engine.Push(ctx, opts.Message); err != nil {
		return fmt.Errorf("cli: push: %w", err)
	}
	if err := rt.engine.Pull(ctx); err != nil {
		return fmt.Errorf("cli: pull: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "sync complete")
	return nil
}
