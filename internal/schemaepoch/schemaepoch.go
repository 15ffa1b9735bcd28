// Package schemaepoch implements SchemaEpoch (C9, spec.md §4.9):
// schema_version tracking and the replay-gating floor that stops an
// out-of-date binary from attempting cross-epoch changeset replay once the
// embedded store's column layout has changed in a breaking way.
//
// Grounded on the teacher's epoch-gating idiom in massifs (a massif's
// epoch/height pair gates which log segment a reader may interpret),
// adapted here from log-segment compatibility to relational-schema
// compatibility: the binary's own compiled-in schema version versus a
// well-known floor object in the cloud home.
package schemaepoch

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSyncHalted is returned by Check when the local binary's schema
// version is behind the cloud home's floor (spec.md §4.9: "sync is
// halted; the user is prompted to upgrade").
var ErrSyncHalted = errors.New("schemaepoch: local schema version below cloud home floor, upgrade required")

// Floor is the well-known min_schema_version.json.enc payload.
type Floor struct {
	MinSchemaVersion uint32 `json:"min_schema_version"`
}

// ReadFloor fetches and decrypts the current floor, or returns a
// zero-value Floor if none has ever been written (a brand-new library).
func ReadFloor(ctx context.Context, home cloudhome.Home, masterKey [32]byte) (Floor, error) {
	exists, err := home.Exists(ctx, cloudhome.MinSchemaVersionPath)
	if err != nil {
		return Floor{}, fmt.Errorf("schemaepoch: exists: %w", err)
	}
	if !exists {
		return Floor{}, nil
	}
	blob, err := home.Read(ctx, cloudhome.MinSchemaVersionPath)
	if err != nil {
		return Floor{}, fmt.Errorf("schemaepoch: read floor: %w", err)
	}
	plaintext, err := cryptobox.Open(masterKey, blob)
	if err != nil {
		return Floor{}, fmt.Errorf("schemaepoch: decrypt floor: %w", err)
	}
	var f Floor
	if err := json.Unmarshal(plaintext, &f); err != nil {
		return Floor{}, fmt.Errorf("schemaepoch: unmarshal floor: %w", err)
	}
	return f, nil
}

// RaiseFloor writes a new min_schema_version, used when a device upgrades
// to a version that made a breaking schema change (spec.md §4.9:
// "Breaking changes ... MUST bump min_schema_version").
func RaiseFloor(ctx context.Context, home cloudhome.Home, masterKey [32]byte, newFloor uint32) error {
	current, err := ReadFloor(ctx, home, masterKey)
	if err != nil {
		return err
	}
	if newFloor <= current.MinSchemaVersion {
		return nil
	}
	plaintext, err := json.Marshal(Floor{MinSchemaVersion: newFloor})
	if err != nil {
		return fmt.Errorf("schemaepoch: marshal floor: %w", err)
	}
	blob, err := cryptobox.Seal(masterKey, plaintext)
	if err != nil {
		return fmt.Errorf("schemaepoch: seal floor: %w", err)
	}
	if err := home.Write(ctx, cloudhome.MinSchemaVersionPath, blob); err != nil {
		return fmt.Errorf("schemaepoch: write floor: %w", err)
	}
	return nil
}

// Check halts sync (returning ErrSyncHalted) if localSchemaVersion is
// below the cloud home's current floor. A local version above the floor
// is fine: additive changes never bump the floor (spec.md §4.9).
func Check(ctx context.Context, home cloudhome.Home, masterKey [32]byte, localSchemaVersion uint32) error {
	floor, err := ReadFloor(ctx, home, masterKey)
	if err != nil {
		return err
	}
	if localSchemaVersion < floor.MinSchemaVersion {
		return fmt.Errorf("%w: local=%d floor=%d", ErrSyncHalted, localSchemaVersion, floor.MinSchemaVersion)
	}
	return nil
}
