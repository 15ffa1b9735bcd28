// Package snapshot implements SnapshotManager (C7, spec.md §4.7): periodic
// full-database checkpoints used both to bootstrap a brand-new device and
// to bound per-device changeset log growth via garbage collection.
//
// Grounded on store.Open's embedded-store handling: Create shells out to
// SQLite's own "VACUUM INTO" statement (the native atomic, non-locking
// full-copy mechanism go-sqlite3 exposes directly through database/sql),
// the same way store.go leans on native PRAGMAs rather than hand-rolling
// file copies.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
)

// Cursors is the per-peer-device high-water mark map tagged onto a
// snapshot (spec.md §3 "Snapshot... plus the cursor map").
type Cursors map[string]uint64

// Manifest is the tagged metadata a snapshot carries in the cloud home
// alongside its encrypted bytes, recording exactly which changesets are
// already materialized (spec.md invariant 4).
type Manifest struct {
	Cursors   Cursors   `json:"cursors"`
	CreatedAt time.Time `json:"created_at"`
}

// Policy controls when ShouldCreate reports a fresh snapshot is warranted:
// after N changesets since the last snapshot or T wall-clock time elapsed,
// whichever comes first (spec.md §4.7 "Policy").
type Policy struct {
	ChangesetThreshold int
	Interval           time.Duration
}

// DefaultPolicy matches spec.md's suggested N≈100 changesets / T≈24h.
var DefaultPolicy = Policy{ChangesetThreshold: 100, Interval: 24 * time.Hour}

// GCGracePeriod is how long a changeset already covered by a snapshot must
// remain available before deletion, so a long-offline peer can still
// catch up without re-bootstrapping (spec.md §4.7 GC, invariant discussion
// in spec.md §9 open question 1).
const GCGracePeriod = 30 * 24 * time.Hour

// Manager orchestrates snapshot creation, bootstrap, and GC.
type Manager struct {
	log       baelog.Logger
	home      cloudhome.Home
	masterKey [32]byte
}

func New(log baelog.Logger, home cloudhome.Home, masterKey [32]byte) *Manager {
	return &Manager{log: log, home: home, masterKey: masterKey}
}

// Create takes an atomic full-DB copy of the database behind writeDB (via SQLite's
// VACUUM INTO, which is consistent and non-locking with respect to other
// readers), encrypts it, and uploads it as the new snapshot.db.enc,
// overwriting any prior snapshot in place (spec.md §3 "Snapshot...
// Overwritten in place; no versioning").
func (m *Manager) Create(ctx context.Context, writeDB *sql.DB, cursors Cursors) error {
	tmpPath, err := m.vacuumInto(ctx, writeDB)
	if err != nil {
		return fmt.Errorf("snapshot: vacuum into: %w", err)
	}
	defer os.Remove(tmpPath)

	dbBytes, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("snapshot: read vacuum copy: %w", err)
	}

	manifest := Manifest{Cursors: cursors, CreatedAt: time.Now().UTC()}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}

	payload := packSnapshot(manifestBytes, dbBytes)
	blob, err := cryptobox.Seal(m.masterKey, payload)
	if err != nil {
		return fmt.Errorf("snapshot: seal: %w", err)
	}

	if err := m.home.Write(ctx, cloudhome.SnapshotPath, blob); err != nil {
		return fmt.Errorf("snapshot: upload: %w", err)
	}
	m.log.Infof("snapshot: created, cursors=%v", cursors)
	return nil
}

// vacuumInto runs "VACUUM INTO" against a fresh temp file path and returns
// that path. go-sqlite3/SQLite performs this atomically and without
// blocking concurrent readers on the source database.
func (m *Manager) vacuumInto(ctx context.Context, writeDB *sql.DB) (string, error) {
	f, err := os.CreateTemp("", "bae-snapshot-*.db")
	if err != nil {
		return "", err
	}
	tmpPath := f.Name()
	f.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the target not already exist

	if _, err := writeDB.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", tmpPath)); err != nil {
		return "", err
	}
	return tmpPath, nil
}

// Fetch downloads and decrypts the current snapshot, returning the
// manifest and the raw decrypted database file bytes, used by Bootstrap.
func (m *Manager) Fetch(ctx context.Context) (Manifest, []byte, error) {
	exists, err := m.home.Exists(ctx, cloudhome.SnapshotPath)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: exists: %w", err)
	}
	if !exists {
		return Manifest{}, nil, nil
	}
	blob, err := m.home.Read(ctx, cloudhome.SnapshotPath)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: read: %w", err)
	}
	payload, err := cryptobox.Open(m.masterKey, blob)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decrypt: %w", err)
	}
	manifestBytes, dbBytes, err := unpackSnapshot(payload)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: unpack: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: unmarshal manifest: %w", err)
	}
	return manifest, dbBytes, nil
}

// Bootstrap implements spec.md §4.7's new-device flow: fetch the
// snapshot, write its database bytes to localDBPath, and return the
// cursor map the caller should seed local cursors with before running a
// normal pull for everything newer (spec.md Scenario E).
func (m *Manager) Bootstrap(ctx context.Context, localDBPath string) (Cursors, error) {
	manifest, dbBytes, err := m.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if dbBytes == nil {
		return Cursors{}, nil
	}
	if err := os.WriteFile(localDBPath, dbBytes, 0o600); err != nil {
		return nil, fmt.Errorf("snapshot: write local db: %w", err)
	}
	return manifest.Cursors, nil
}

// ShouldCreate reports whether Policy's threshold is met (spec.md §4.7
// "Policy"). The sync engine has no trigger that calls it.
func (p Policy) ShouldCreate(changesetsSinceLastSnapshot int, timeSinceLastSnapshot time.Duration) bool {
	return changesetsSinceLastSnapshot >= p.ChangesetThreshold || timeSinceLastSnapshot >= p.Interval
}

// EligibleForGC reports whether a changeset covered by a snapshot created
// at snapshotCreatedAt may now be deleted (spec.md §4.7 GC, 30-day grace).
func EligibleForGC(snapshotCreatedAt, now time.Time) bool {
	return now.Sub(snapshotCreatedAt) >= GCGracePeriod
}

// packSnapshot and unpackSnapshot frame the manifest and database bytes
// inside one sealed blob using a fixed-width length prefix, the same
// "header || 0x00 || payload"-adjacent framing envelope.Encode uses for
// changesets, specialized here to a length-prefixed form since the
// manifest JSON itself may legitimately contain 0x00 inside string
// escapes is not a risk (JSON never emits raw NUL), but a length prefix
// keeps parsing O(1) rather than a byte scan over a potentially large
// database blob.
func packSnapshot(manifestBytes, dbBytes []byte) []byte {
	out := make([]byte, 0, 8+len(manifestBytes)+len(dbBytes))
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(len(manifestBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, manifestBytes...)
	out = append(out, dbBytes...)
	return out
}

func unpackSnapshot(payload []byte) (manifestBytes, dbBytes []byte, err error) {
	if len(payload) < 8 {
		return nil, nil, fmt.Errorf("snapshot: payload too short")
	}
	manifestLen := getUint64(payload[:8])
	if uint64(len(payload)-8) < manifestLen {
		return nil, nil, fmt.Errorf("snapshot: truncated manifest")
	}
	manifestBytes = payload[8 : 8+manifestLen]
	dbBytes = payload[8+manifestLen:]
	return manifestBytes, dbBytes, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
