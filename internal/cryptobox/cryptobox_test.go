package cryptobox

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	plaintext := make([]byte, ChunkSize*2+17)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.True(t, len(ciphertext) > len(plaintext))

	got, err := Open(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestSealOpenEmptyPlaintext(t *testing.T) {
	var key [32]byte
	ciphertext, err := Seal(key, nil)
	require.NoError(t, err)

	got, err := Open(key, ciphertext)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOpenWrongKeyFails(t *testing.T) {
	var key, wrongKey [32]byte
	_, _ = rand.Read(key[:])
	_, _ = rand.Read(wrongKey[:])

	ciphertext, err := Seal(key, []byte("hello library"))
	require.NoError(t, err)

	_, err = Open(wrongKey, ciphertext)
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := []byte("changeset envelope bytes")
	sig := Sign(priv, msg)
	require.True(t, Verify(pub, msg, sig))

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(pub, tampered, sig))
}

func TestSealedBoxRoundTrip(t *testing.T) {
	recipientPub, recipientPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	masterKey := []byte("0123456789abcdef0123456789abcdef")[:32]
	sealed, err := SealedBoxSeal(recipientPub, masterKey)
	require.NoError(t, err)

	opened, err := SealedBoxOpen(recipientPub, recipientPriv, sealed)
	require.NoError(t, err)
	require.Equal(t, masterKey, opened)
}

func TestDeriveReleaseKeyDeterministic(t *testing.T) {
	var master [32]byte
	_, _ = rand.Read(master[:])

	k1, err := DeriveReleaseKey(master, "release-123")
	require.NoError(t, err)
	k2, err := DeriveReleaseKey(master, "release-123")
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := DeriveReleaseKey(master, "release-456")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestFingerprintStable(t *testing.T) {
	var key [32]byte
	_, _ = rand.Read(key[:])
	require.Len(t, Fingerprint(key), 16)
	require.Equal(t, Fingerprint(key), Fingerprint(key))
}
