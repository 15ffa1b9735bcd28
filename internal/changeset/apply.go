package changeset

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/hlc"
)

// Outcome is the tagged result of applying a single RowChange, mirroring
// spec.md §4.5's four-way resolution: DATA, CONFLICT, NOTFOUND, CONSTRAINT.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota
	OutcomeConflictKept
	OutcomeConflictOverwritten
	OutcomeNotFound
	OutcomeConstraint
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "APPLIED"
	case OutcomeConflictKept:
		return "CONFLICT_KEPT_LOCAL"
	case OutcomeConflictOverwritten:
		return "CONFLICT_OVERWRITTEN"
	case OutcomeNotFound:
		return "NOTFOUND"
	case OutcomeConstraint:
		return "CONSTRAINT"
	default:
		return "UNKNOWN"
	}
}

// Result reports what happened to one row in the changeset, for the sync
// audit log (spec.md §7) and for Apply's retry loop.
type Result struct {
	Row     RowChange
	Outcome Outcome
	Err     error
}

// sourcePathColumns are the device-specific columns spec.md §6 calls out:
// on a DATA conflict where the incoming row wins, these columns are always
// kept from the local row rather than overwritten, because they name
// device-local filesystem state a remote device cannot know.
var sourcePathColumns = map[string][]string{
	"release_files": {"source_path", "encryption_nonce"},
}

// Apply implements ChangesetApply (C5, spec.md §4.5): replays a remote
// changeset's rows against the local store under the HLC-aware conflict
// policy, retrying CONSTRAINT-deferred rows until no further progress is
// made (spec.md §4.5 "Retry to fixed point").
func Apply(log baelog.Logger, db *sql.DB, cs *Changeset, incomingHLC hlc.Timestamp) ([]Result, error) {
	if cs.Empty() {
		return nil, nil
	}

	pending := make([]RowChange, len(cs.Rows))
	copy(pending, cs.Rows)

	var allResults []Result
	for {
		tx, err := db.Begin()
		if err != nil {
			return allResults, fmt.Errorf("changeset: begin apply tx: %w", err)
		}

		var deferred []RowChange
		var roundResults []Result
		progressed := false

		for _, row := range pending {
			res, err := applyRow(tx, row, incomingHLC)
			if err != nil {
				tx.Rollback()
				return allResults, fmt.Errorf("changeset: apply row in %s: %w", row.Table, err)
			}
			if res.Outcome == OutcomeConstraint {
				deferred = append(deferred, row)
				continue
			}
			progressed = true
			roundResults = append(roundResults, res)
		}

		if err := tx.Commit(); err != nil {
			return allResults, fmt.Errorf("changeset: commit apply tx: %w", err)
		}
		allResults = append(allResults, roundResults...)

		if len(deferred) == 0 {
			break
		}
		if !progressed {
			// Fixed point reached with rows still unresolved (e.g. a
			// foreign key that will never resolve within this
			// changeset) — report them as CONSTRAINT and stop.
			for _, row := range deferred {
				allResults = append(allResults, Result{Row: row, Outcome: OutcomeConstraint})
			}
			break
		}
		pending = deferred
	}

	return allResults, nil
}

func applyRow(tx *sql.Tx, row RowChange, incomingHLC hlc.Timestamp) (Result, error) {
	switch row.Op {
	case RowDelete:
		return applyDelete(tx, row)
	case RowInsert, RowUpdate:
		return applyUpsert(tx, row, incomingHLC)
	default:
		return Result{Row: row, Outcome: OutcomeConstraint}, fmt.Errorf("unknown row op %v", row.Op)
	}
}

func applyDelete(tx *sql.Tx, row RowChange) (Result, error) {
	whereCol, whereVal := pkClause(row.PK)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", row.Table, whereCol)
	res, err := tx.Exec(query, whereVal...)
	if isConstraintErr(err) {
		return Result{Row: row, Outcome: OutcomeConstraint}, nil
	}
	if err != nil {
		return Result{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	if affected == 0 {
		return Result{Row: row, Outcome: OutcomeNotFound}, nil
	}
	return Result{Row: row, Outcome: OutcomeApplied}, nil
}

// applyUpsert implements spec.md §4.5's per-row decision: read the local
// row (if any) by primary key, compare the row's own _updated_at as an HLC
// timestamp against the local row's, and either insert (row absent),
// overwrite (row absent of a conflict, or incoming HLC strictly newer), or
// keep local (the CONFLICT case, incoming HLC not newer than local). The
// comparison is per row, not per changeset: a changeset can batch rows from
// more than one logical write (spec.md §4.6's debounce/periodic triggers),
// so only the row's own _updated_at tells us whether it's actually newer
// than what's already on disk.
func applyUpsert(tx *sql.Tx, row RowChange, incomingHLC hlc.Timestamp) (Result, error) {
	localUpdatedAt, exists, err := readLocalUpdatedAt(tx, row)
	if err != nil {
		return Result{}, err
	}

	if !exists {
		if err := insertRow(tx, row); err != nil {
			if isConstraintErr(err) {
				return Result{Row: row, Outcome: OutcomeConstraint}, nil
			}
			return Result{}, err
		}
		return Result{Row: row, Outcome: OutcomeApplied}, nil
	}

	rowHLC, err := rowUpdatedAt(row)
	if err != nil {
		return Result{}, err
	}

	localHLC, err := hlc.Parse(localUpdatedAt)
	if err != nil {
		return Result{}, fmt.Errorf("parse local _updated_at %q: %w", localUpdatedAt, err)
	}

	if hlc.Compare(rowHLC, localHLC) <= 0 {
		// Incoming is not strictly newer: spec.md §4.5 keeps the local row
		// (CONFLICT, local wins on tie-or-older).
		return Result{Row: row, Outcome: OutcomeConflictKept}, nil
	}

	cols := row.Columns
	if preserved, ok := sourcePathColumns[row.Table]; ok {
		cols = withPreservedColumns(cols, preserved)
	}
	if err := overwriteRow(tx, row.Table, row.PK, cols); err != nil {
		if isConstraintErr(err) {
			return Result{Row: row, Outcome: OutcomeConstraint}, nil
		}
		return Result{}, err
	}
	return Result{Row: row, Outcome: OutcomeConflictOverwritten}, nil
}

// withPreservedColumns strips the device-specific columns from the
// incoming update so the subsequent UPDATE statement never touches them,
// leaving whatever value is already on the local row untouched.
func withPreservedColumns(cols map[string]any, preserved []string) map[string]any {
	out := make(map[string]any, len(cols))
	for k, v := range cols {
		out[k] = v
	}
	for _, p := range preserved {
		delete(out, p)
	}
	return out
}

// rowUpdatedAt parses this row's own _updated_at column, which capture's
// materialize step (internal/changeset/capture.go) always includes in
// Columns for insert/update rows, as an HLC timestamp.
func rowUpdatedAt(row RowChange) (hlc.Timestamp, error) {
	v, ok := row.Columns["_updated_at"]
	if !ok {
		return hlc.Timestamp{}, fmt.Errorf("row %s/%v missing _updated_at column", row.Table, row.PK)
	}
	s, ok := v.(string)
	if !ok {
		return hlc.Timestamp{}, fmt.Errorf("row %s/%v _updated_at is %T, want string", row.Table, row.PK, v)
	}
	return hlc.Parse(s)
}

func readLocalUpdatedAt(tx *sql.Tx, row RowChange) (string, bool, error) {
	whereCol, whereVal := pkClause(row.PK)
	query := fmt.Sprintf("SELECT _updated_at FROM %s WHERE %s", row.Table, whereCol)
	var updatedAt string
	err := tx.QueryRow(query, whereVal...).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return updatedAt, true, nil
}

func insertRow(tx *sql.Tx, row RowChange) error {
	cols := make([]string, 0, len(row.PK)+len(row.Columns))
	vals := make([]any, 0, len(row.PK)+len(row.Columns))
	placeholders := make([]string, 0, len(row.PK)+len(row.Columns))

	for k, v := range row.PK {
		cols = append(cols, k)
		vals = append(vals, v)
		placeholders = append(placeholders, "?")
	}
	for k, v := range row.Columns {
		cols = append(cols, k)
		vals = append(vals, v)
		placeholders = append(placeholders, "?")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		row.Table, joinColumns(cols), joinColumns(placeholders))
	_, err := tx.Exec(query, vals...)
	return err
}

func overwriteRow(tx *sql.Tx, table string, pk map[string]any, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	setClauses := make([]string, 0, len(cols))
	vals := make([]any, 0, len(cols)+len(pk))
	for k, v := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", k))
		vals = append(vals, v)
	}
	whereCol, whereVal := pkClause(pk)
	vals = append(vals, whereVal...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, joinSetClauses(setClauses), whereCol)
	_, err := tx.Exec(query, vals...)
	return err
}

func joinSetClauses(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// pkClause builds a deterministic "col1 = ? AND col2 = ?" WHERE fragment
// and its bound values, in a stable column order.
func pkClause(pk map[string]any) (string, []any) {
	cols := make([]string, 0, len(pk))
	for k := range pk {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	clause := ""
	vals := make([]any, 0, len(cols))
	for i, col := range cols {
		if i > 0 {
			clause += " AND "
		}
		clause += fmt.Sprintf("%s = ?", col)
		vals = append(vals, pk[col])
	}
	return clause, vals
}

// isConstraintErr recognizes SQLite foreign-key / uniqueness violations
// without importing the driver's error type directly in this file, since
// mattn/go-sqlite3 reports them as *sqlite3.Error with a Code field; we
// match on the message text the driver is documented to produce, keeping
// this package's surface independent of the driver's internal error type.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"FOREIGN KEY constraint failed", "UNIQUE constraint failed", "constraint failed"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
