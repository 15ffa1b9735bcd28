package syncengine

import "context"

// Status is the point-in-time summary the status CLI command reports
// (supplemented feature, SPEC_FULL.md §5): this device's own seq, the
// last-applied seq recorded for every peer, and how many local writes are
// captured but not yet pushed.
type Status struct {
	DeviceID       string
	LocalSeq       uint64
	PeerCursors    map[string]uint64
	PendingChanges int
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seq, err := localSeq(ctx, e.writeDB)
	if err != nil {
		return Status{}, err
	}
	cursors, err := allCursors(ctx, e.writeDB)
	if err != nil {
		return Status{}, err
	}
	return Status{
		DeviceID:       e.identity.DeviceID,
		LocalSeq:       seq,
		PeerCursors:    cursors,
		PendingChanges: e.capture.PendingCount(),
	}, nil
}
