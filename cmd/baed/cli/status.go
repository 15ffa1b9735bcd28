package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// NewStatusCommand reports the cursor map and pending local changes
// (SPEC_FULL.md §5 supplemented CLI surface).
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status",
		Short:         "show this device's cursor map and pending local changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.engine.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("cli: status: %w", err)
	}

	if opts.Format == "json" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "device_id:       %s\n", st.DeviceID)
	fmt.Fprintf(out, "local_seq:       %d\n", st.LocalSeq)
	fmt.Fprintf(out, "pending_changes: %d\n", st.PendingChanges)
	fmt.Fprintln(out, "peer cursors:")
	peers := make([]string, 0, len(st.PeerCursors))
	for d := range st.PeerCursors {
		peers = append(peers, d)
	}
	sort.Strings(peers)
	for _, d := range peers {
		fmt.Fprintf(out, "  %s: %d\n", d, st.PeerCursors[d])
	}
	return nil
}
