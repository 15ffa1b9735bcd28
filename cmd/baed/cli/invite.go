package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/membership"
)

// NewInviteCommand adds a new member to the library's membership chain and
// prints the invite code they need to join (spec.md §4.8). The argument is
// the candidate's identity token (printed by 'baed init' or obtained out
// of band), not a bare username — membership.Append needs the recipient's
// X25519 pubkey already, at Add time, to seal their key wrap.
func NewInviteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "invite <identity-token>",
		Short:         "add a member to the library and print their invite code",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvite(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runInvite(opts *RootOptions, token string, cmd *cobra.Command) error {
	rt, err := openRuntime(opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	targetEdPubHex, targetX25519Pub, err := parseIdentityToken(token)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	chain, err := membership.Load(ctx, rt.log, rt.home, rt.master, nil)
	if err != nil {
		return fmt.Errorf("cli: load membership chain: %w", err)
	}

	ourEdPubHex := fmt.Sprintf("%x", rt.identity.Ed25519Pub)

	if chain.IsEmpty() {
		// Bootstrap multi-user mode: the first entry must be a
		// self-signed owner Add (spec.md §4.8 validation rule 1).
		now := rt.clock.Now()
		if err := membership.Append(ctx, rt.home, rt.master, rt.identity.Ed25519Priv, rt.identity.Ed25519Pub,
			1, membership.ActionAdd, ourEdPubHex, membership.RoleOwner, now, &rt.identity.X25519Pub); err != nil {
			return fmt.Errorf("cli: bootstrap owner entry: %w", err)
		}
		chain, err = membership.Load(ctx, rt.log, rt.home, rt.master, nil)
		if err != nil {
			return fmt.Errorf("cli: reload membership chain: %w", err)
		}
	}

	seq := chain.NextSeq(ourEdPubHex)
	now := rt.clock.Now()
	if err := membership.Append(ctx, rt.home, rt.master, rt.identity.Ed25519Priv, rt.identity.Ed25519Pub,
		seq, membership.ActionAdd, targetEdPubHex, membership.RoleMember, now, &targetX25519Pub); err != nil {
		return fmt.Errorf("cli: append member entry: %w", err)
	}

	join, err := rt.home.GrantAccess(ctx, targetEdPubHex)
	if err != nil {
		return fmt.Errorf("cli: grant backend access: %w", err)
	}
	code, err := membership.BuildInviteCode(join, ourEdPubHex, targetEdPubHex).Encode()
	if err != nil {
		return fmt.Errorf("cli: encode invite code: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), code)
	return nil
}
