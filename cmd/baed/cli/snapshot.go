package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/snapshot"
)

// NewSnapshotCommand groups the "snapshot create" and "snapshot compact"
// subcommands (spec.md §4.7).
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "manage the library's full-database checkpoint",
	}
	cmd.AddCommand(newSnapshotCreateCommand(rootOpts))
	cmd.AddCommand(newSnapshotCompactCommand(rootOpts))
	return cmd
}

func newSnapshotCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create",
		Short:         "take a fresh full-database snapshot and upload it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotCreate(rootOpts, cmd)
		},
	}
}

func runSnapshotCreate(opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	st, err := rt.engine.Status(ctx)
	if err != nil {
		return fmt.Errorf("cli: read cursors: %w", err)
	}

	mgr := snapshot.New(rt.log, rt.home, rt.master)
	if err := mgr.Create(ctx, rt.store.WriteDB(), snapshot.Cursors(st.PeerCursors)); err != nil {
		return fmt.Errorf("cli: create snapshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "snapshot created")
	return nil
}

func newSnapshotCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "compact",
		Short:         "delete per-device changesets already covered by a snapshot past its GC grace period",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotCompact(rootOpts, cmd)
		},
	}
}

func runSnapshotCompact(opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	mgr := snapshot.New(rt.log, rt.home, rt.master)
	manifest, dbBytes, err := mgr.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("cli: fetch snapshot: %w", err)
	}
	if dbBytes == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshot exists yet, nothing to compact")
		return nil
	}
	if !snapshot.EligibleForGC(manifest.CreatedAt, time.Now()) {
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot from %s not yet past its %s grace period\n",
			manifest.CreatedAt.Format(time.RFC3339), snapshot.GCGracePeriod)
		return nil
	}

	paths, err := rt.home.List(ctx, "changes/")
	if err != nil {
		return fmt.Errorf("cli: list changesets: %w", err)
	}

	deleted := 0
	for _, p := range paths {
		deviceID, seq, err := cloudhome.ParseChangePath(p)
		if err != nil {
			continue
		}
		if seq > manifest.Cursors[deviceID] {
			continue // not yet covered by the snapshot for this peer
		}
		if err := rt.home.Delete(ctx, p); err != nil {
			return fmt.Errorf("cli: delete %s: %w", p, err)
		}
		deleted++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compacted %d changeset object(s)\n", deleted)
	return nil
}
