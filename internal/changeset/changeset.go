// Package changeset implements ChangesetCapture (C4) and ChangesetApply
// (C5): capturing row-level diffs from the embedded relational store and
// replaying them with the conflict-resolution policy in spec.md §4.5.
//
// Adaptation note (see SPEC_FULL.md §4 C4, DESIGN.md): the spec presumes an
// embedded store shipping a native session/change-tracking extension (as
// SQLite's sqlite3session C API does). mattn/go-sqlite3, the driver pulled
// from the pack (roach88-nysm's go.mod), does not expose that API, but does
// expose sqlite3.SQLiteConn.RegisterUpdateHook, a per-row
// (operation, table, rowid) notification fired for every write dispatched
// on a connection. Capture builds its own column-level diff on top of that
// hook instead of binding to a C session extension, producing PK-addressed
// rows. INSERT and UPDATE rows carry every non-PK column of the row as read
// after the write; an UPDATE row is not narrowed to the columns that changed.
package changeset

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RowOp identifies the kind of row-level write captured, modeled as a
// tagged variant the way spec.md §9 asks for ("Avoid boolean flags").
type RowOp uint8

const (
	RowInsert RowOp = iota
	RowUpdate
	RowDelete
)

func (op RowOp) String() string {
	switch op {
	case RowInsert:
		return "INSERT"
	case RowUpdate:
		return "UPDATE"
	case RowDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// RowChange is one captured row-level diff. For RowInsert and RowUpdate,
// Columns holds every non-PK column of the row as read after the write,
// NULL columns included; unchanged columns are not filtered out of an
// UPDATE row. For RowDelete, Columns is empty — only the primary key
// identifies the row.
type RowChange struct {
	Table   string         `cbor:"1,keyasint"`
	Op      RowOp          `cbor:"2,keyasint"`
	PK      map[string]any `cbor:"3,keyasint"`
	Columns map[string]any `cbor:"4,keyasint"`
}

// Changeset is the binary diff for one logical write batch (spec.md §3).
// It carries no timestamps of its own — ordering metadata lives in the
// envelope that wraps it.
type Changeset struct {
	Rows []RowChange `cbor:"1,keyasint"`
}

// Empty reports whether the changeset captured no row changes, the signal
// SyncEngine.Push uses to skip uploading (spec.md §4.6 step 2, boundary
// test "Empty changeset: push path is skipped").
func (c *Changeset) Empty() bool { return c == nil || len(c.Rows) == 0 }

// cborMode is a deterministic encode mode, the same spirit as the
// teacher's massifs/cborcodec.go deterministic encoding options — a
// changeset's bytes must be stable so its size and any future signature
// over it are reproducible.
var cborMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("changeset: invalid cbor encoding options: %v", err))
	}
	return mode
}()

// Marshal encodes a Changeset to bae-sync's native binary changeset format.
func Marshal(cs *Changeset) ([]byte, error) {
	buf, err := cborMode.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("changeset: marshal: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes bae-sync's native binary changeset format.
func Unmarshal(data []byte) (*Changeset, error) {
	var cs Changeset
	if err := cbor.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("changeset: unmarshal: %w", err)
	}
	return &cs, nil
}

// Equal is a content comparison used by tests and by determinism checks
// (spec.md §8 property 1); byte-for-byte CBOR output already gives us a
// canonical comparison, this helper is for readability at call sites.
func Equal(a, b *Changeset) (bool, error) {
	aBytes, err := Marshal(a)
	if err != nil {
		return false, err
	}
	bBytes, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(aBytes, bBytes), nil
}
