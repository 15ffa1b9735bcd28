package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/changeset"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/device"
	"github.com/baesync/bae-sync/internal/hlc"
	"github.com/baesync/bae-sync/internal/membership"
	"github.com/baesync/bae-sync/internal/store"
	"github.com/baesync/bae-sync/internal/syncengine"
)

// currentSchemaVersion is the schema version this build of baed
// understands (spec.md §4.9). Bumped alongside schema.sql whenever a
// change would break older binaries replaying this library's changesets.
const currentSchemaVersion = 1

// runtime bundles everything a command beyond init needs: the opened
// store, a capture session already started, the cloud home, local
// identity/master key material, and a ready-to-use sync engine.
type runtime struct {
	log      baelog.Logger
	store    *store.Store
	capture  *changeset.Capture
	clock    *hlc.Clock
	home     cloudhome.Home
	identity identity
	master   [32]byte
	device   device.Config
	engine   *syncengine.Engine
}

func (r *runtime) Close() {
	r.capture.Close()
	r.store.Close()
}

// chainSource adapts membership.Load into syncengine.MembershipSource,
// logging (rather than failing the whole load) every entry the chain
// validator rejects.
type chainSource struct {
	log    baelog.Logger
	home   cloudhome.Home
	master [32]byte
}

func (s *chainSource) Current(ctx context.Context) (*membership.Chain, error) {
	return membership.Load(ctx, s.log, s.home, s.master, func(e membership.Entry, reason string) {
		s.log.Warnf("membership: rejected entry seq=%d author=%s: %s", e.Seq, e.AuthorPubkey, reason)
	})
}

func openRuntime(opts *RootOptions) (*runtime, error) {
	log := baelog.NewNop()

	cfg, err := loadConfig(opts.DataDir)
	if err != nil {
		return nil, err
	}
	home, err := openHome(cfg)
	if err != nil {
		return nil, fmt.Errorf("cli: open cloud home: %w", err)
	}
	master, err := loadMasterKey(opts.DataDir)
	if err != nil {
		return nil, err
	}
	id, err := loadIdentity(opts.DataDir)
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(opts.DataDir, "library.db")
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("cli: open store: %w", err)
	}

	devCfg, found, err := device.Load(context.Background(), s.WriteDB())
	if err != nil {
		s.Close()
		return nil, err
	}
	if !found {
		s.Close()
		return nil, fmt.Errorf("cli: device not configured, run 'baed init' first")
	}
	if err := devCfg.VerifyKey(master); err != nil {
		s.Close()
		return nil, err
	}

	cap, err := changeset.NewCapture(log, dbPath, store.SyncedTableSchemas())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cli: open capture: %w", err)
	}
	cap.StartSession()

	clock := hlc.New(devCfg.DeviceID, 0)
	members := &chainSource{log: log, home: home, master: master}

	// Envelopes are only signed once the library has actually been
	// promoted to multi-user mode (spec.md §3): an identity keypair exists
	// from 'baed init' onward so this device is ready to become the first
	// owner, but it stays unused for signing until a membership entry
	// actually exists.
	chainIdentity := syncengine.Identity{DeviceID: devCfg.DeviceID, SchemaVersion: devCfg.SchemaVersion}
	chain, err := members.Current(context.Background())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cli: load membership chain: %w", err)
	}
	if chain != nil && !chain.IsEmpty() {
		chainIdentity.AuthorPriv = id.Ed25519Priv
		chainIdentity.AuthorPub = id.Ed25519Pub
	}

	engine := syncengine.New(syncengine.Deps{
		Log:       log,
		Home:      home,
		Capture:   cap,
		WriteDB:   s.WriteDB(),
		Clock:     clock,
		Members:   members,
		Identity:  chainIdentity,
		MasterKey: master,
	})

	return &runtime{
		log:      log,
		store:    s,
		capture:  cap,
		clock:    clock,
		home:     home,
		identity: id,
		master:   master,
		device:   devCfg,
		engine:   engine,
	}, nil
}
