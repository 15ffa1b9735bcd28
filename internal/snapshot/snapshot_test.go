package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/store"
)

func testHome(t *testing.T) cloudhome.Home {
	t.Helper()
	h, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	return h
}

func TestCreateThenBootstrapRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "lib.db"))
	require.NoError(t, err)
	_, err = s.WriteDB().Exec(
		"INSERT INTO artists (id, name, _updated_at) VALUES (?, ?, ?)",
		"artist-1", "Snapshot Artist", "0000000001000-00000-device-a",
	)
	require.NoError(t, err)

	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))
	home := testHome(t)
	mgr := New(baelog.NewNop(), home, masterKey)

	cursors := Cursors{"device-a": 5, "device-b": 2}
	require.NoError(t, mgr.Create(ctx, s.WriteDB(), cursors))
	s.Close()

	newPath := filepath.Join(dir, "bootstrapped.db")
	gotCursors, err := mgr.Bootstrap(ctx, newPath)
	require.NoError(t, err)
	require.Equal(t, cursors, gotCursors)

	s2, err := store.Open(newPath)
	require.NoError(t, err)
	defer s2.Close()

	var name string
	err = s2.WriteDB().QueryRow("SELECT name FROM artists WHERE id = ?", "artist-1").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "Snapshot Artist", name)
}

func TestBootstrapWithNoSnapshotReturnsEmptyCursors(t *testing.T) {
	ctx := context.Background()
	var masterKey [32]byte
	home := testHome(t)
	mgr := New(baelog.NewNop(), home, masterKey)

	cursors, err := mgr.Bootstrap(ctx, filepath.Join(t.TempDir(), "new.db"))
	require.NoError(t, err)
	require.Empty(t, cursors)
}

func TestPolicyShouldCreate(t *testing.T) {
	p := DefaultPolicy
	require.True(t, p.ShouldCreate(150, time.Hour))
	require.True(t, p.ShouldCreate(1, 25*time.Hour))
	require.False(t, p.ShouldCreate(1, time.Hour))
}

func TestEligibleForGC(t *testing.T) {
	created := time.Now().Add(-31 * 24 * time.Hour)
	require.True(t, EligibleForGC(created, time.Now()))
	require.False(t, EligibleForGC(time.Now(), time.Now()))
}
