package schemaepoch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/cloudhome"
)

func testHome(t *testing.T) cloudhome.Home {
	t.Helper()
	h, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	return h
}

func TestCheckPassesWithNoFloorWritten(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var key [32]byte
	require.NoError(t, Check(ctx, home, key, 1))
}

func TestRaiseFloorThenCheckHaltsOlderBinary(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var key [32]byte
	copy(key[:], []byte("01234567890123456789012345678901"))

	require.NoError(t, RaiseFloor(ctx, home, key, 2))

	err := Check(ctx, home, key, 1)
	require.ErrorIs(t, err, ErrSyncHalted)

	require.NoError(t, Check(ctx, home, key, 2))
	require.NoError(t, Check(ctx, home, key, 3))
}

func TestRaiseFloorNeverLowersIt(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var key [32]byte
	copy(key[:], []byte("01234567890123456789012345678901"))

	require.NoError(t, RaiseFloor(ctx, home, key, 5))
	require.NoError(t, RaiseFloor(ctx, home, key, 2))

	f, err := ReadFloor(ctx, home, key)
	require.NoError(t, err)
	require.Equal(t, uint32(5), f.MinSchemaVersion)
}
