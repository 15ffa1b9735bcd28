package syncengine

import (
	"context"
	"database/sql"
	"time"
)

// recordAudit appends a row to sync_audit_log (supplemented feature, see
// SPEC_FULL.md §5): spec.md §7 requires an audit entry whenever a
// changeset is silently discarded for signature or membership reasons, so
// the discard is observable later instead of vanishing without a trace.
func recordAudit(ctx context.Context, db *sql.DB, deviceID string, seq uint64, reason, detail string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO sync_audit_log (recorded_at, device_id, seq, reason, detail) VALUES (?, ?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), deviceID, seq, reason, detail,
	)
	return err
}
