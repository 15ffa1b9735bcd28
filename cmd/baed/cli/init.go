package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/baesync/bae-sync/internal/device"
	"github.com/baesync/bae-sync/internal/store"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Backend string
	Root    string // disk backend root, only meaningful when Backend == "disk"
}

// NewInitCommand creates a new library: a local master key, a local
// Ed25519/X25519 identity, the embedded store, and device-local
// configuration (spec.md §3 "Library... Created on first run").
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "init",
		Short:         "initialize a new library in --data-dir",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Backend, "backend", "disk", "cloud home backend (disk|s3|azure)")
	cmd.Flags().StringVar(&opts.Root, "root", "", "disk backend root directory (default: --data-dir/home)")
	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("cli: create data dir: %w", err)
	}

	if _, err := os.Stat(configPath(opts.DataDir)); err == nil {
		return fmt.Errorf("cli: library already initialized at %s", opts.DataDir)
	}

	root := opts.Root
	if root == "" {
		root = filepath.Join(opts.DataDir, "home")
	}
	cfg := localConfig{LibraryID: newLibraryID(), Backend: opts.Backend, Disk: diskConfig{Root: root}}

	if _, err := openHome(cfg); err != nil {
		return fmt.Errorf("cli: open cloud home: %w", err)
	}

	master, err := generateMasterKey(opts.DataDir)
	if err != nil {
		return err
	}
	id, err := generateIdentity()
	if err != nil {
		return err
	}
	if err := saveIdentity(opts.DataDir, id); err != nil {
		return err
	}
	if err := saveConfig(opts.DataDir, cfg); err != nil {
		return err
	}

	dbPath := filepath.Join(opts.DataDir, "library.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("cli: open store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	devCfg, err := device.Bootstrap(ctx, s.WriteDB(), opts.Backend, master, currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("cli: bootstrap device config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "initialized library %s\ndevice_id: %s\nidentity token (share to be invited elsewhere): %s\n",
		cfg.LibraryID, devCfg.DeviceID, id.token())
	return nil
}

func newLibraryID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "lib"
	}
	return fmt.Sprintf("%x", b)
}
