package cloudhome

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskHomeWriteReadRoundTrip(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, home.Write(ctx, ChangePath("device-a", 1), []byte("payload")))

	got, err := home.Read(ctx, ChangePath("device-a", 1))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestDiskHomeReadMissingReturnsNotFound(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)

	_, err = home.Read(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiskHomeWriteIfAbsentConflicts(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, home.WriteIfAbsent(ctx, "changes/a/1.enc", []byte("one")))
	err = home.WriteIfAbsent(ctx, "changes/a/1.enc", []byte("two"))
	require.ErrorIs(t, err, ErrConflict)

	got, err := home.Read(ctx, "changes/a/1.enc")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), got)
}

func TestDiskHomeListIsTransitiveAndComplete(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, home.Write(ctx, ChangePath("a", 1), []byte("x")))
	require.NoError(t, home.Write(ctx, ChangePath("a", 2), []byte("y")))
	require.NoError(t, home.Write(ctx, ChangePath("b", 1), []byte("z")))

	paths, err := home.List(ctx, ChangesPrefix("a"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ChangePath("a", 1), ChangePath("a", 2)}, paths)
}

func TestDiskHomeReadRange(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, home.Write(ctx, "blob", []byte("0123456789")))
	got, err := home.ReadRange(ctx, "blob", 2, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), got)

	_, err = home.ReadRange(ctx, "blob", 5, 2)
	require.ErrorIs(t, err, ErrRangeInvalid)
}

func TestDiskHomeDeleteIsIdempotent(t *testing.T) {
	home, err := NewDiskHome(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, home.Delete(ctx, "never-existed"))
	require.NoError(t, home.Write(ctx, "thing", []byte("x")))
	require.NoError(t, home.Delete(ctx, "thing"))
	require.NoError(t, home.Delete(ctx, "thing"))

	exists, err := home.Exists(ctx, "thing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestParseChangePathRoundTrip(t *testing.T) {
	path := ChangePath("device-123", 42)
	device, seq, err := ParseChangePath(path)
	require.NoError(t, err)
	require.Equal(t, "device-123", device)
	require.Equal(t, uint64(42), seq)
}

func TestParseChangePathRejectsOther(t *testing.T) {
	_, _, err := ParseChangePath("heads/device-a.json.enc")
	require.Error(t, err)
	require.True(t, errors.Is(err, err))
}

func TestParseHeadPathRoundTrip(t *testing.T) {
	device, err := ParseHeadPath(HeadPath("device-xyz"))
	require.NoError(t, err)
	require.Equal(t, "device-xyz", device)
}
