package changeset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/store"
)

func testTableSchemas() []TableSchema {
	return []TableSchema{
		{
			Name:       "artists",
			PrimaryKey: []string{"id"},
			Columns:    []string{"id", "name", "sort_name", "_updated_at"},
		},
		{
			Name:       "albums",
			PrimaryKey: []string{"id"},
			Columns:    []string{"id", "title", "artist_id", "year", "_updated_at"},
		},
	}
}

func openTestCapture(t *testing.T) (*store.Store, *Capture) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cap, err := NewCapture(baelog.NewNop(), path, testTableSchemas())
	require.NoError(t, err)
	t.Cleanup(func() { cap.Close() })

	return s, cap
}

func TestCaptureRecordsInsert(t *testing.T) {
	_, cap := openTestCapture(t)
	cap.StartSession()

	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Test Artist", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)

	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Rows, 1)
	require.Equal(t, "artists", cs.Rows[0].Table)
	require.Equal(t, RowInsert, cs.Rows[0].Op)
	require.Equal(t, "artist-1", cs.Rows[0].PK["id"])
	require.Equal(t, "Test Artist", cs.Rows[0].Columns["name"])
}

func TestCaptureNoSessionProducesNilChangeset(t *testing.T) {
	_, cap := openTestCapture(t)

	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Untracked", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)

	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, cs)
}

func TestCaptureRecordsUpdateWithNewColumnValues(t *testing.T) {
	_, cap := openTestCapture(t)
	cap.StartSession()
	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, sort_name, _updated_at) VALUES (?, ?, ?, ?)",
		"artist-1", "Name", "Sort", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)
	_, err = cap.EndSession(context.Background())
	require.NoError(t, err)

	cap.StartSession()
	_, err = cap.DB().Exec(
		"UPDATE artists SET name = ?, _updated_at = ? WHERE id = ?",
		"New Name", "0000000002000-00000-device-a", "artist-1",
	)
	require.NoError(t, err)
	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Rows, 1)
	require.Equal(t, RowUpdate, cs.Rows[0].Op)
	require.Equal(t, "New Name", cs.Rows[0].Columns["name"])
}

func TestCaptureRecordsDeleteWithPKOnly(t *testing.T) {
	_, cap := openTestCapture(t)
	cap.StartSession()
	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Name", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)
	_, err = cap.EndSession(context.Background())
	require.NoError(t, err)

	cap.StartSession()
	_, err = cap.DB().Exec("DELETE FROM artists WHERE id = ?", "artist-1")
	require.NoError(t, err)
	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.Rows, 1)
	require.Equal(t, RowDelete, cs.Rows[0].Op)
	require.Equal(t, "artist-1", cs.Rows[0].PK["id"])
	require.Empty(t, cs.Rows[0].Columns)
}

func TestCaptureInsertThenDeleteWithinSessionNetsToNothing(t *testing.T) {
	_, cap := openTestCapture(t)
	cap.StartSession()
	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Name", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)
	_, err = cap.DB().Exec("DELETE FROM artists WHERE id = ?", "artist-1")
	require.NoError(t, err)

	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, cs)
}

func TestResetDiscardsCapturedChangeset(t *testing.T) {
	_, cap := openTestCapture(t)
	cap.StartSession()
	_, err := cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Name", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)

	err = cap.Reset(context.Background())
	require.NoError(t, err)

	_, err = cap.DB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-2", "Other", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)

	cs, err := cap.EndSession(context.Background())
	require.NoError(t, err)
	require.Len(t, cs.Rows, 1)
	require.Equal(t, "artist-2", cs.Rows[0].PK["id"])
}
