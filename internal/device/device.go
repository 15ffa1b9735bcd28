// Package device manages the non-synced, device-local configuration
// spec.md §6 describes: a device_id generated once at first launch, the
// cloud-home backend reference, the master key's fingerprint for fast
// wrong-key detection, and the schema version this binary understands.
// None of this is ever attached to a ChangesetCapture session (spec.md §3
// "Device... Never synced").
package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/baesync/bae-sync/internal/cryptobox"
)

const (
	keyDeviceID        = "device_id"
	keyBackend         = "backend"
	keyKeyFingerprint  = "key_fingerprint"
	keySchemaVersion   = "schema_version"
)

// ErrKeyMismatch is returned by VerifyKey when the configured key
// fingerprint doesn't match the supplied master key (spec.md §7: "Wrong
// key: detected via fingerprint on first decrypt attempt").
var ErrKeyMismatch = errors.New("device: master key fingerprint mismatch")

// Config is the device-local identity and configuration row set, backed
// by the store's device_config key-value table.
type Config struct {
	DeviceID       string
	Backend        string
	KeyFingerprint string
	SchemaVersion  uint32
}

// Load reads device_config, returning (Config{}, false, nil) if no
// device_id has ever been written (first launch).
func Load(ctx context.Context, db *sql.DB) (Config, bool, error) {
	values, err := readAll(ctx, db)
	if err != nil {
		return Config{}, false, err
	}
	deviceID, ok := values[keyDeviceID]
	if !ok {
		return Config{}, false, nil
	}
	var schemaVersion uint32
	if v, ok := values[keySchemaVersion]; ok {
		if _, err := fmt.Sscanf(v, "%d", &schemaVersion); err != nil {
			return Config{}, false, fmt.Errorf("device: parse schema_version: %w", err)
		}
	}
	return Config{
		DeviceID:       deviceID,
		Backend:        values[keyBackend],
		KeyFingerprint: values[keyKeyFingerprint],
		SchemaVersion:  schemaVersion,
	}, true, nil
}

// Bootstrap generates a new device_id (google/uuid, spec.md §6: "device_id
// (UUID, generated once)") and persists the initial configuration. Called
// exactly once, on first launch.
func Bootstrap(ctx context.Context, db *sql.DB, backend string, masterKey [32]byte, schemaVersion uint32) (Config, error) {
	cfg := Config{
		DeviceID:       uuid.NewString(),
		Backend:        backend,
		KeyFingerprint: cryptobox.Fingerprint(masterKey),
		SchemaVersion:  schemaVersion,
	}
	if err := writeAll(ctx, db, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// VerifyKey checks masterKey's fingerprint against the persisted one,
// surfacing ErrKeyMismatch before any decrypt attempt is made against real
// ciphertext (spec.md §7's "wrong key" error kind).
func (c Config) VerifyKey(masterKey [32]byte) error {
	if cryptobox.Fingerprint(masterKey) != c.KeyFingerprint {
		return ErrKeyMismatch
	}
	return nil
}

// SetSchemaVersion persists a new understood schema version, e.g. after a
// binary upgrade (used alongside schemaepoch.RaiseFloor).
func SetSchemaVersion(ctx context.Context, db *sql.DB, version uint32) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO device_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		keySchemaVersion, fmt.Sprintf("%d", version))
	return err
}

func readAll(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM device_config")
	if err != nil {
		return nil, fmt.Errorf("device: query device_config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("device: scan device_config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func writeAll(ctx context.Context, db *sql.DB, cfg Config) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("device: begin tx: %w", err)
	}
	defer tx.Rollback()

	kvs := map[string]string{
		keyDeviceID:       cfg.DeviceID,
		keyBackend:        cfg.Backend,
		keyKeyFingerprint: cfg.KeyFingerprint,
		keySchemaVersion:  fmt.Sprintf("%d", cfg.SchemaVersion),
	}
	for k, v := range kvs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO device_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			k, v); err != nil {
			return fmt.Errorf("device: write %s: %w", k, err)
		}
	}
	return tx.Commit()
}
