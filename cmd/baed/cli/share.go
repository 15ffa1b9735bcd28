package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/cryptobox"
	"github.com/baesync/bae-sync/internal/share"
)

// ShareOptions holds flags for the share command.
type ShareOptions struct {
	*RootOptions
	ExpiresIn time.Duration
}

// NewShareCommand mints a ShareGrant for a single release, handing its
// derived key to an external recipient without exposing the library-wide
// master key (spec.md §4.10).
func NewShareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "share <release-id> <recipient-x25519-pubkey-hex>",
		Short:         "grant a single release's key to an external recipient",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShare(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 24*time.Hour, "how long the grant remains valid")
	return cmd
}

func runShare(opts *ShareOptions, releaseID, recipientPubHex string, cmd *cobra.Command) error {
	rt, err := openRuntime(opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	var recipientPub [32]byte
	if err := decodeHex32(recipientPubHex, &recipientPub); err != nil {
		return err
	}

	releaseKey, err := cryptobox.DeriveReleaseKey(rt.master, releaseID)
	if err != nil {
		return fmt.Errorf("cli: derive release key: %w", err)
	}

	grant, err := share.Create(rt.device.DeviceID, rt.identity.Ed25519Priv, rt.identity.Ed25519Pub,
		releaseID, rt.device.Backend, share.GrantPayload{ReleaseKey: releaseKey}, &recipientPub,
		time.Now().Add(opts.ExpiresIn).Unix())
	if err != nil {
		return fmt.Errorf("cli: create share grant: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "from_library=%s release_id=%s signature=%s\nwrapped_payload=%s\n",
		grant.FromLibrary, grant.ReleaseID, grant.Signature, grant.WrappedPayload)
	return nil
}
