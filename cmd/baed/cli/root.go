// Package cli wires bae-sync's core packages (device, syncengine,
// snapshot, membership, share, schemaepoch) into the baed command-line
// entry points spec.md's components C1-C10 otherwise have no externally
// invokable surface for (SPEC_FULL.md §5).
//
// Grounded on roach88-nysm's internal/cli: a RootOptions struct carrying
// persistent flags, one NewXCommand(rootOpts) factory per subcommand, and
// RunE closures that delegate to a runX helper so the cobra wiring stays
// separate from the actual work.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every baed subcommand.
type RootOptions struct {
	DataDir string
	Format  string // "text" | "json"
}

var validFormats = []string{"text", "json"}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bae"
	}
	return filepath.Join(home, ".bae")
}

// NewRootCommand builds the baed root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "baed",
		Short: "bae-sync control CLI",
		Long:  "baed drives one library's push/pull sync cycle, membership chain, and snapshots against its cloud home.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", defaultDataDir(), "local library directory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewInviteCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewShareCommand(opts))

	return cmd
}
