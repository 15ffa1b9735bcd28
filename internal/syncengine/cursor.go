package syncengine

import (
	"context"
	"database/sql"
	"fmt"
)

const localSeqKey = "local_seq"

// cursorFor returns the last-applied seq recorded for peer device d, or 0
// if nothing has ever been applied from it.
func cursorFor(ctx context.Context, db *sql.DB, deviceID string) (uint64, error) {
	var seq uint64
	err := db.QueryRowContext(ctx,
		"SELECT last_applied_seq FROM sync_cursors WHERE device_id = ?", deviceID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("syncengine: read cursor for %s: %w", deviceID, err)
	}
	return seq, nil
}

// setCursor records the new high-water mark for peer device d. Callers
// must only ever increase it (spec.md invariant 3: order-sensitive
// replay).
func setCursor(ctx context.Context, tx *sql.Tx, deviceID string, seq uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_cursors (device_id, last_applied_seq) VALUES (?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET last_applied_seq = excluded.last_applied_seq`,
		deviceID, seq)
	if err != nil {
		return fmt.Errorf("syncengine: set cursor for %s: %w", deviceID, err)
	}
	return nil
}

// localSeq returns the seq most recently assigned to this device's own
// changesets on push (0 before any push has happened); push assigns the
// next one as this value plus one.
func localSeq(ctx context.Context, db *sql.DB) (uint64, error) {
	var v string
	err := db.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", localSeqKey).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("syncengine: read local_seq: %w", err)
	}
	var seq uint64
	if _, err := fmt.Sscanf(v, "%d", &seq); err != nil {
		return 0, fmt.Errorf("syncengine: parse local_seq: %w", err)
	}
	return seq, nil
}

func setLocalSeq(ctx context.Context, tx *sql.Tx, seq uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		localSeqKey, fmt.Sprintf("%d", seq))
	if err != nil {
		return fmt.Errorf("syncengine: set local_seq: %w", err)
	}
	return nil
}

// allCursors returns the full peer device -> last_applied_seq map, used to
// tag outgoing snapshots (spec.md §3 "Snapshot... plus the cursor map").
func allCursors(ctx context.Context, db *sql.DB) (map[string]uint64, error) {
	rows, err := db.QueryContext(ctx, "SELECT device_id, last_applied_seq FROM sync_cursors")
	if err != nil {
		return nil, fmt.Errorf("syncengine: list cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var d string
		var seq uint64
		if err := rows.Scan(&d, &seq); err != nil {
			return nil, fmt.Errorf("syncengine: scan cursor: %w", err)
		}
		out[d] = seq
	}
	return out, rows.Err()
}

// seedCursors installs the cursor map from a bootstrap snapshot
// (spec.md §4.7 "initializes cursors").
func seedCursors(ctx context.Context, db *sql.DB, cursors map[string]uint64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for d, seq := range cursors {
		if err := setCursor(ctx, tx, d, seq); err != nil {
			return err
		}
	}
	return tx.Commit()
}
