package changeset

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/baesync/bae-sync/internal/baelog"
)

// rowEvent is what RegisterUpdateHook gives us: an operation against a
// table, identified by SQLite's internal rowid (not the PK we actually
// track — see Capture's rowidIndex below).
type rowEvent struct {
	op     RowOp
	table  string
	rowID  int64
}

// hookRegistry routes update-hook callbacks (which the sqlite3 driver
// invokes with no Go-level context of "which session is active") to
// whichever Capture currently owns the write connection. Exactly one
// Capture is ever active per process, per spec.md §4.4: "Exactly one
// session active between logical batches."
var hookRegistry struct {
	mu     sync.Mutex
	active *Capture
}

func init() {
	sql.Register("sqlite3_bae", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterUpdateHook(func(op int, _db, table string, rowID int64) {
				hookRegistry.mu.Lock()
				active := hookRegistry.active
				hookRegistry.mu.Unlock()
				if active == nil || !active.tracksTable(table) {
					return
				}
				active.recordEvent(op, table, rowID)
			})
			return nil
		},
	})
}

// TableSchema describes a synced table's primary key columns, needed to
// translate a SQLite rowid back into the PK values the changeset format
// addresses rows by.
type TableSchema struct {
	Name       string
	PrimaryKey []string
	Columns    []string
}

// Capture wraps the relational store's write connection and turns the raw
// update-hook stream into Changeset values (spec.md §4.4).
type Capture struct {
	log    baelog.Logger
	db     *sql.DB
	tables map[string]TableSchema

	mu         sync.Mutex
	active     bool
	events     []rowEvent
	rowidCache map[string]map[int64]map[string]any // table -> rowid -> last known row image (for DELETE before-images)
}

// NewCapture opens its own write connection (registered under the
// "sqlite3_bae" driver name so the update hook is wired) against the same
// database file the rest of the store uses, and restricts tracking to the
// given synced tables (spec.md §6; device-local tables are never passed
// here).
func NewCapture(log baelog.Logger, dbPath string, tables []TableSchema) (*Capture, error) {
	db, err := sql.Open("sqlite3_bae", dbPath)
	if err != nil {
		return nil, fmt.Errorf("changeset: open capture connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	byName := make(map[string]TableSchema, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	c := &Capture{
		log:        log,
		db:         db,
		tables:     byName,
		rowidCache: make(map[string]map[int64]map[string]any),
	}
	return c, nil
}

func (c *Capture) Close() error { return c.db.Close() }

// DB returns the session-attached write connection. All application writes
// during an active session must use this, never a separate connection —
// spec.md §4.4's single-writer discipline.
func (c *Capture) DB() *sql.DB { return c.db }

// PendingCount reports how many row-events have been captured since the
// active session started, without ending it. Used by status reporting
// (spec.md §5 "status ... pending local changes") to give a live count
// without disturbing the session.
func (c *Capture) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *Capture) tracksTable(table string) bool {
	_, ok := c.tables[table]
	return ok
}

// StartSession is idempotent: if a session is already active, it is a
// no-op (spec.md §4.4).
func (c *Capture) StartSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return
	}
	c.active = true
	c.events = nil
	hookRegistry.mu.Lock()
	hookRegistry.active = c
	hookRegistry.mu.Unlock()
	c.log.Debugf("changeset: session started")
}

// EndSession materializes the events recorded since StartSession into a
// Changeset (nil if nothing changed) and deactivates capture. Per spec.md
// §4.4's strict rule, callers MUST call this before applying any incoming
// changeset, or the next outgoing changeset will mirror remote writes back
// out as if they were local.
func (c *Capture) EndSession(ctx context.Context) (*Changeset, error) {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.active = false
	hookRegistry.mu.Lock()
	if hookRegistry.active == c {
		hookRegistry.active = nil
	}
	hookRegistry.mu.Unlock()
	c.mu.Unlock()

	if len(events) == 0 {
		return nil, nil
	}

	rows, err := c.materialize(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("changeset: materialize session: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &Changeset{Rows: rows}, nil
}

// Reset ends the current session (if any) and immediately starts a new
// one, discarding the captured changeset (spec.md §4.4).
func (c *Capture) Reset(ctx context.Context) error {
	if _, err := c.EndSession(ctx); err != nil {
		return err
	}
	c.StartSession()
	return nil
}

func (c *Capture) recordEvent(op int, table string, rowID int64) {
	var rowOp RowOp
	switch op {
	case sqlite3.SQLITE_INSERT:
		rowOp = RowInsert
	case sqlite3.SQLITE_UPDATE:
		rowOp = RowUpdate
	case sqlite3.SQLITE_DELETE:
		rowOp = RowDelete
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, rowEvent{op: rowOp, table: table, rowID: rowID})

	// Opportunistically snapshot the row now, while it still exists, so a
	// later DELETE of the same rowid within this session can still report
	// the PK it deleted even though the row is gone by EndSession time.
	if rowOp != RowDelete {
		if img, err := c.readRowByRowid(table, rowID); err == nil {
			if c.rowidCache[table] == nil {
				c.rowidCache[table] = make(map[int64]map[string]any)
			}
			c.rowidCache[table][rowID] = img
		}
	}
}

// readRowByRowid fetches the full current row image for table at rowid,
// used both to cache before-images ahead of a possible later delete and to
// build INSERT/UPDATE column sets at EndSession time.
func (c *Capture) readRowByRowid(table string, rowID int64) (map[string]any, error) {
	schema := c.tables[table]
	cols := schema.Columns
	query := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE rowid = ?", joinColumns(cols), table)

	row := c.db.QueryRow(query, rowID)
	scanDest := make([]any, len(cols)+1)
	var discardRowid int64
	scanDest[0] = &discardRowid
	values := make([]any, len(cols))
	for i := range cols {
		scanDest[i+1] = &values[i]
	}
	if err := row.Scan(scanDest...); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		out[col] = values[i]
	}
	return out, nil
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// materialize turns the raw per-rowid event log into column-level
// RowChange values, collapsing multiple events against the same (table,
// rowid) into their net effect within the session (an INSERT followed by
// an UPDATE is still one RowInsert carrying the final column values; an
// INSERT followed by a DELETE produces no row in the changeset at all,
// since nothing net changed from the perspective of a peer that never saw
// the intermediate state).
func (c *Capture) materialize(ctx context.Context, events []rowEvent) ([]RowChange, error) {
	type key struct {
		table string
		rowID int64
	}
	netOp := make(map[key]RowOp)
	order := make([]key, 0, len(events))
	for _, ev := range events {
		k := key{ev.table, ev.rowID}
		if _, seen := netOp[k]; !seen {
			order = append(order, k)
		}
		prev, seen := netOp[k]
		switch {
		case !seen:
			netOp[k] = ev.op
		case prev == RowInsert && ev.op == RowDelete:
			netOp[k] = RowDelete // will be filtered below: insert+delete nets to nothing
			delete(netOp, k)
		case prev == RowInsert && ev.op == RowUpdate:
			netOp[k] = RowInsert
		default:
			netOp[k] = ev.op
		}
	}

	var rows []RowChange
	for _, k := range order {
		op, ok := netOp[k]
		if !ok {
			continue // insert immediately followed by delete within the same session: no-op
		}
		schema := c.tables[k.table]

		if op == RowDelete {
			img := c.rowidCache[k.table][k.rowID]
			pk := extractPK(schema, img)
			rows = append(rows, RowChange{Table: k.table, Op: RowDelete, PK: pk})
			continue
		}

		img, err := c.readRowByRowid(k.table, k.rowID)
		if err != nil {
			// Row vanished between the hook firing and materialization
			// (e.g. deleted later in the same session by a statement the
			// hook also saw) — treat as delete if we have a cached PK.
			if cached, ok := c.rowidCache[k.table][k.rowID]; ok {
				pk := extractPK(schema, cached)
				rows = append(rows, RowChange{Table: k.table, Op: RowDelete, PK: pk})
			}
			continue
		}
		pk := extractPK(schema, img)
		cols := make(map[string]any, len(img))
		for col, val := range img {
			if isPKColumn(schema, col) {
				continue
			}
			cols[col] = val
		}
		rows = append(rows, RowChange{Table: k.table, Op: op, PK: pk, Columns: cols})
	}
	return rows, nil
}

func extractPK(schema TableSchema, img map[string]any) map[string]any {
	pk := make(map[string]any, len(schema.PrimaryKey))
	for _, col := range schema.PrimaryKey {
		pk[col] = img[col]
	}
	return pk
}

func isPKColumn(schema TableSchema, col string) bool {
	for _, pk := range schema.PrimaryKey {
		if pk == col {
			return true
		}
	}
	return false
}
