package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
	"github.com/baesync/bae-sync/internal/device"
	"github.com/baesync/bae-sync/internal/membership"
	"github.com/baesync/bae-sync/internal/store"
)

// NewJoinCommand accepts an invite code minted by 'baed invite', configures
// local backend access, unseals this device's copy of the library key, and
// bootstraps a fresh local store (spec.md §4.8 Invite flow).
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "join <code>",
		Short:         "join a library using an invite code",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runJoin(opts *RootOptions, code string, cmd *cobra.Command) error {
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("cli: create data dir: %w", err)
	}
	if _, err := os.Stat(configPath(opts.DataDir)); err == nil {
		return fmt.Errorf("cli: library already initialized at %s", opts.DataDir)
	}

	invite, err := membership.DecodeInviteCode(code)
	if err != nil {
		return err
	}

	id, err := loadIdentity(opts.DataDir)
	if err != nil {
		// First command ever run against this data dir: generate our
		// identity now, the same as 'baed init' would.
		if id, err = generateIdentity(); err != nil {
			return err
		}
		if err := saveIdentity(opts.DataDir, id); err != nil {
			return err
		}
	}

	cfg, err := configFromJoinInfo(opts.DataDir, invite)
	if err != nil {
		return err
	}
	if err := saveConfig(opts.DataDir, cfg); err != nil {
		return err
	}

	home, err := openHome(cfg)
	if err != nil {
		return fmt.Errorf("cli: open cloud home: %w", err)
	}

	ctx := cmd.Context()
	wrapped, err := home.Read(ctx, invite.WrappedKeyPath)
	if err != nil {
		return fmt.Errorf("cli: read key wrap %s: %w", invite.WrappedKeyPath, err)
	}
	masterBytes, err := cryptobox.SealedBoxOpen(&id.X25519Pub, &id.X25519Priv, wrapped)
	if err != nil {
		return fmt.Errorf("cli: unseal key wrap: %w", err)
	}
	if len(masterBytes) != 32 {
		return fmt.Errorf("cli: unsealed key is %d bytes, want 32", len(masterBytes))
	}
	var master [32]byte
	copy(master[:], masterBytes)
	if err := saveMasterKey(opts.DataDir, master); err != nil {
		return err
	}

	dbPath := filepath.Join(opts.DataDir, "library.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer s.Close()

	devCfg, err := device.Bootstrap(context.Background(), s.WriteDB(), cfg.Backend, master, currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("cli: bootstrap device config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "joined library via %s, device_id: %s\nrun 'baed sync' to catch up by pulling peers' changesets (the snapshot is not fetched)\n",
		invite.Backend, devCfg.DeviceID)
	return nil
}

// configFromJoinInfo maps a GrantAccess JoinInfo back into the localConfig
// shape this backend needs; only the disk backend's "localPath" join info
// round-trips into a fully usable config without operator follow-up (S3's
// shared-credential model and Azure's SAS URL still need real account
// configuration filled in by hand afterward).
func configFromJoinInfo(dataDir string, invite membership.InviteCode) (localConfig, error) {
	cfg := localConfig{LibraryID: newLibraryID(), Backend: invite.Backend}
	switch invite.Backend {
	case "disk":
		cfg.Disk = diskConfig{Root: invite.JoinInfo["localPath"]}
	case "azureblob":
		cfg.Backend = "azure"
		// The SAS URL in invite.JoinInfo["sasUrl"] still needs decomposing
		// into account/container fields cloudhome.AzureBlobConfig expects;
		// left for the operator to fill in via the config file directly.
		cfg.Azure = cloudhome.AzureBlobConfig{}
	default:
		cfg.Disk = diskConfig{Root: filepath.Join(dataDir, "home")}
	}
	return cfg, nil
}
