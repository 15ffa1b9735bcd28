package syncengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/changeset"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
	"github.com/baesync/bae-sync/internal/envelope"
	"github.com/baesync/bae-sync/internal/hlc"
	"github.com/baesync/bae-sync/internal/store"
)

func testSchemas() []changeset.TableSchema {
	return []changeset.TableSchema{
		{Name: "artists", PrimaryKey: []string{"id"}, Columns: []string{"id", "name", "sort_name", "_updated_at"}},
		{Name: "albums", PrimaryKey: []string{"id"}, Columns: []string{"id", "title", "artist_id", "year", "_updated_at"}},
		{Name: "releases", PrimaryKey: []string{"id"}, Columns: []string{"id", "album_id", "title", "year", "_updated_at"}},
		{Name: "tracks", PrimaryKey: []string{"id"}, Columns: []string{"id", "release_id", "title", "track_number", "duration_ms", "_updated_at"}},
	}
}

// writeRemoteChangeset seals cs as if deviceID had pushed it as its seq'th
// changeset at the given HLC, and publishes its head, without going through
// Engine.Push or requiring deviceID to hold a locally FK-consistent replica
// of its own. This is the only way to build the interleaving spec.md §4.6
// step 7's CONSTRAINT-retry loop defends against: two independent devices
// whose own local writes are each FK-valid in isolation, fetched by a third
// device in an order where the dependent row's envelope sorts first.
func writeRemoteChangeset(t *testing.T, home cloudhome.Home, masterKey [32]byte, deviceID string, seq uint64, hlcStr string, rows []changeset.RowChange) {
	t.Helper()
	ctx := context.Background()

	cs := &changeset.Changeset{Rows: rows}
	changesetBytes, err := changeset.Marshal(cs)
	require.NoError(t, err)

	env := envelope.Envelope{
		DeviceID:      deviceID,
		Seq:           seq,
		SchemaVersion: 1,
		HLC:           hlcStr,
		Message:       "test import",
		ChangesetSize: uint64(len(changesetBytes)),
	}
	body, err := envelope.Encode(env, changesetBytes)
	require.NoError(t, err)
	blob, err := cryptobox.Seal(masterKey, body)
	require.NoError(t, err)
	require.NoError(t, home.WriteIfAbsent(ctx, cloudhome.ChangePath(deviceID, seq), blob))

	headBytes, err := marshalHead(headDoc{Seq: seq})
	require.NoError(t, err)
	headBlob, err := cryptobox.Seal(masterKey, headBytes)
	require.NoError(t, err)
	require.NoError(t, home.Write(ctx, cloudhome.HeadPath(deviceID), headBlob))
}

type testDevice struct {
	store   *store.Store
	capture *changeset.Capture
	clock   *hlc.Clock
	engine  *Engine
}

func newTestDevice(t *testing.T, home cloudhome.Home, masterKey [32]byte, deviceID string) *testDevice {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "lib.db")

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cap, err := changeset.NewCapture(baelog.NewNop(), dbPath, testSchemas())
	require.NoError(t, err)
	t.Cleanup(func() { cap.Close() })
	cap.StartSession()

	clock := hlc.New(deviceID, 0)

	engine := New(Deps{
		Log:       baelog.NewNop(),
		Home:      home,
		Capture:   cap,
		WriteDB:   s.WriteDB(),
		Clock:     clock,
		Members:   nil,
		Identity:  Identity{DeviceID: deviceID, SchemaVersion: 1},
		MasterKey: masterKey,
	})

	return &testDevice{store: s, capture: cap, clock: clock, engine: engine}
}

func TestPushSkipsEmptyChangeset(t *testing.T) {
	ctx := context.Background()
	home, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	d := newTestDevice(t, home, masterKey, "device-a")
	require.NoError(t, d.engine.Push(ctx, "no-op"))

	exists, err := home.Exists(ctx, cloudhome.ChangePath("device-a", 1))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPushThenPullPropagatesInsertToPeer(t *testing.T) {
	ctx := context.Background()
	home, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	a := newTestDevice(t, home, masterKey, "device-a")
	b := newTestDevice(t, home, masterKey, "device-b")

	_, err = a.capture.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Original", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)
	require.NoError(t, a.engine.Push(ctx, "import artist"))

	require.NoError(t, b.engine.Pull(ctx))

	var name string
	err = b.store.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "Original", name)
}

// TestPullRetriesConstraintOmittedChangesetToFixedPoint exercises spec.md
// §4.6 step 7 and Scenario D (§8): a pull fetches two remote changesets
// whose dependent row's envelope sorts ahead of the one creating the row it
// references. The first pass must omit the dependent row as CONSTRAINT
// rather than either failing the whole pull or silently dropping it, and a
// second pass within the same pull cycle must apply it once its parent row
// has landed.
func TestPullRetriesConstraintOmittedChangesetToFixedPoint(t *testing.T) {
	ctx := context.Background()
	home, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	childHLC := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-child"}.String()
	parentHLC := hlc.Timestamp{Millis: 2000, Counter: 0, DeviceID: "device-parent"}.String()

	// device-child's envelope (earlier HLC) references a release row that
	// only device-parent's envelope (later HLC) creates — sorted first by
	// Pull, it must defer rather than fail.
	writeRemoteChangeset(t, home, masterKey, "device-child", 1, childHLC, []changeset.RowChange{
		{
			Table: "tracks",
			Op:    changeset.RowInsert,
			PK:    map[string]any{"id": "track-1"},
			Columns: map[string]any{
				"title":       "Song",
				"release_id":  "release-1",
				"_updated_at": childHLC,
			},
		},
	})
	writeRemoteChangeset(t, home, masterKey, "device-parent", 1, parentHLC, []changeset.RowChange{
		{
			Table: "releases",
			Op:    changeset.RowInsert,
			PK:    map[string]any{"id": "release-1"},
			Columns: map[string]any{
				"title":       "Test Release",
				"_updated_at": parentHLC,
			},
		},
	})

	puller := newTestDevice(t, home, masterKey, "device-puller")
	require.NoError(t, puller.engine.Pull(ctx))

	var releaseTitle string
	require.NoError(t, puller.store.WriteDB().QueryRow(
		"SELECT title FROM releases WHERE id = ?", "release-1").Scan(&releaseTitle))
	require.Equal(t, "Test Release", releaseTitle)

	var trackTitle, trackReleaseID string
	require.NoError(t, puller.store.WriteDB().QueryRow(
		"SELECT title, release_id FROM tracks WHERE id = ?", "track-1").Scan(&trackTitle, &trackReleaseID))
	require.Equal(t, "Song", trackTitle)
	require.Equal(t, "release-1", trackReleaseID)

	var auditCount int
	require.NoError(t, puller.store.WriteDB().QueryRow(
		"SELECT COUNT(*) FROM sync_audit_log WHERE reason = 'constraint_deferred'").Scan(&auditCount))
	require.Zero(t, auditCount, "fixed point reached within one pull cycle, nothing should need deferring past it")
}
