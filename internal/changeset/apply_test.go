package changeset

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/hlc"
	"github.com/baesync/bae-sync/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "lib.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hlcStr(ms uint64, counter uint32, device string) string {
	ts := hlc.Timestamp{Millis: ms, Counter: counter, DeviceID: device}
	return ts.String()
}

func TestApplyInsertNewRow(t *testing.T) {
	s := openTestStore(t)

	row := RowChange{
		Table: "artists",
		Op:    RowInsert,
		PK:    map[string]any{"id": "artist-1"},
		Columns: map[string]any{
			"name":        "Test Artist",
			"_updated_at": hlcStr(1000, 0, "device-a"),
		},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	incoming := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeApplied, results[0].Outcome)

	var name string
	err = s.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "Test Artist", name)
}

func TestApplyConflictKeepsNewerLocal(t *testing.T) {
	s := openTestStore(t)

	_, err := s.WriteDB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Local Name", hlcStr(2000, 0, "device-local"),
	)
	require.NoError(t, err)

	row := RowChange{
		Table: "artists",
		Op:    RowUpdate,
		PK:    map[string]any{"id": "artist-1"},
		Columns: map[string]any{
			"name":        "Remote Name",
			"_updated_at": hlcStr(1000, 0, "device-remote"),
		},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	incoming := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-remote"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflictKept, results[0].Outcome)

	var name string
	err = s.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "Local Name", name)
}

// TestApplyComparesPerRowTimestampNotChangesetWide covers the case where a
// changeset batches rows from two different logical writes (spec.md §4.6's
// debounce/periodic triggers can do this): the envelope-level HLC passed as
// incoming is newer than the local row, but the row's own _updated_at is
// not. The row must lose the conflict on its own timestamp, not borrow the
// changeset's.
func TestApplyComparesPerRowTimestampNotChangesetWide(t *testing.T) {
	s := openTestStore(t)

	_, err := s.WriteDB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Local Name", hlcStr(2000, 0, "device-local"),
	)
	require.NoError(t, err)

	row := RowChange{
		Table: "artists",
		Op:    RowUpdate,
		PK:    map[string]any{"id": "artist-1"},
		Columns: map[string]any{
			"name":        "Stale Remote Name",
			"_updated_at": hlcStr(1000, 0, "device-remote"),
		},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	// incoming is the changeset-wide/envelope HLC, newer than both the row's
	// own _updated_at and the local row — a naive changeset-wide compare
	// would overwrite; the row's own timestamp says it must not.
	incoming := hlc.Timestamp{Millis: 5000, Counter: 0, DeviceID: "device-remote"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflictKept, results[0].Outcome)

	var name string
	err = s.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "Local Name", name, "row's own stale _updated_at must not be overridden by the changeset-wide timestamp")
}

func TestApplyConflictOverwritesOlderLocal(t *testing.T) {
	s := openTestStore(t)

	_, err := s.WriteDB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Old Name", hlcStr(1000, 0, "device-local"),
	)
	require.NoError(t, err)

	row := RowChange{
		Table: "artists",
		Op:    RowUpdate,
		PK:    map[string]any{"id": "artist-1"},
		Columns: map[string]any{
			"name":        "New Name",
			"_updated_at": hlcStr(2000, 0, "device-remote"),
		},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	incoming := hlc.Timestamp{Millis: 2000, Counter: 0, DeviceID: "device-remote"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflictOverwritten, results[0].Outcome)

	var name string
	err = s.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "New Name", name)
}

func TestApplyPreservesSourcePathOnOverwrite(t *testing.T) {
	s := openTestStore(t)

	_, err := s.WriteDB().Exec(
		"INSERT INTO release_files (id, source_path, encryption_nonce, size_bytes, _updated_at) VALUES (?, ?, ?, ?, ?)",
		"file-1", "/local/path/song.flac", "local-nonce", 1024, hlcStr(1000, 0, "device-local"),
	)
	require.NoError(t, err)

	row := RowChange{
		Table: "release_files",
		Op:    RowUpdate,
		PK:    map[string]any{"id": "file-1"},
		Columns: map[string]any{
			"source_path":      "/remote/path/song.flac",
			"encryption_nonce": "remote-nonce",
			"size_bytes":       int64(2048),
			"_updated_at":      hlcStr(2000, 0, "device-remote"),
		},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	incoming := hlc.Timestamp{Millis: 2000, Counter: 0, DeviceID: "device-remote"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Equal(t, OutcomeConflictOverwritten, results[0].Outcome)

	var sourcePath string
	var sizeBytes int64
	err = s.WriteDB().QueryRow(
		"SELECT source_path, size_bytes FROM release_files WHERE id = ?", "file-1",
	).Scan(&sourcePath, &sizeBytes)
	require.NoError(t, err)
	require.Equal(t, "/local/path/song.flac", sourcePath, "device-local source_path must survive a remote overwrite")
	require.Equal(t, int64(2048), sizeBytes)
}

func TestApplyDeleteNotFoundReportsNotFound(t *testing.T) {
	s := openTestStore(t)

	row := RowChange{
		Table: "artists",
		Op:    RowDelete,
		PK:    map[string]any{"id": "does-not-exist"},
	}
	cs := &Changeset{Rows: []RowChange{row}}
	incoming := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotFound, results[0].Outcome)
}

func TestApplyEmptyChangesetNoOp(t *testing.T) {
	s := openTestStore(t)
	results, err := Apply(nil, s.WriteDB(), nil, hlc.Timestamp{})
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestApplyConstraintDefersThenResolves(t *testing.T) {
	s := openTestStore(t)

	// release_files.track_id references tracks(id); the track row arrives
	// in the same changeset but after the file row, forcing a first-pass
	// CONSTRAINT that the retry loop must resolve once the track exists.
	fileRow := RowChange{
		Table: "release_files",
		Op:    RowInsert,
		PK:    map[string]any{"id": "file-1"},
		Columns: map[string]any{
			"track_id":    "track-1",
			"_updated_at": hlcStr(1000, 0, "device-a"),
		},
	}
	trackRow := RowChange{
		Table: "tracks",
		Op:    RowInsert,
		PK:    map[string]any{"id": "track-1"},
		Columns: map[string]any{
			"title":       "Song",
			"_updated_at": hlcStr(1000, 0, "device-a"),
		},
	}
	cs := &Changeset{Rows: []RowChange{fileRow, trackRow}}
	incoming := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}

	results, err := Apply(nil, s.WriteDB(), cs, incoming)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, OutcomeApplied, r.Outcome)
	}
}
