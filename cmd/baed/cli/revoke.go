package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/membership"
)

// NewRevokeCommand appends a Remove entry for a member, identified by
// their Ed25519 pubkey hex (the first component of their identity token),
// and deletes their key wrap (spec.md §4.8).
func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "revoke <user-pubkey-hex>",
		Short:         "remove a member's access to the library",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevoke(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRevoke(opts *RootOptions, userPubkeyHex string, cmd *cobra.Command) error {
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	chain, err := membership.Load(ctx, rt.log, rt.home, rt.master, nil)
	if err != nil {
		return fmt.Errorf("cli: load membership chain: %w", err)
	}

	ourEdPubHex := fmt.Sprintf("%x", rt.identity.Ed25519Pub)
	if !chain.IsMemberAt(ourEdPubHex, rt.clock.Now()) {
		return fmt.Errorf("cli: this device's identity is not a current member of the library")
	}

	seq := chain.NextSeq(ourEdPubHex)
	if err := membership.Append(ctx, rt.home, rt.master, rt.identity.Ed25519Priv, rt.identity.Ed25519Pub,
		seq, membership.ActionRemove, userPubkeyHex, membership.RoleMember, rt.clock.Now(), nil); err != nil {
		return fmt.Errorf("cli: append remove entry: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", userPubkeyHex)
	return nil
}
