package device

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/store"
)

func TestLoadReturnsFalseBeforeBootstrap(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "lib.db"))
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := Load(ctx, s.WriteDB())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBootstrapThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "lib.db"))
	require.NoError(t, err)
	defer s.Close()

	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	cfg, err := Bootstrap(ctx, s.WriteDB(), "s3", masterKey, 1)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.DeviceID)

	loaded, ok, err := Load(ctx, s.WriteDB())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cfg, loaded)
}

func TestVerifyKeyRejectsWrongKey(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "lib.db"))
	require.NoError(t, err)
	defer s.Close()

	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))
	cfg, err := Bootstrap(ctx, s.WriteDB(), "s3", masterKey, 1)
	require.NoError(t, err)

	var wrongKey [32]byte
	copy(wrongKey[:], []byte("wrong-key-wrong-key-wrong-key-01"))
	require.ErrorIs(t, cfg.VerifyKey(wrongKey), ErrKeyMismatch)
	require.NoError(t, cfg.VerifyKey(masterKey))
}
