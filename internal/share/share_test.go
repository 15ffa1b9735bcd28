package share

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	recipientPub, recipientPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var releaseKey [32]byte
	copy(releaseKey[:], []byte("release-key-0123456789abcdef012"))

	payload := GrantPayload{
		ReleaseKey:   releaseKey,
		BackendCreds: map[string]string{"token": "abc123"},
	}

	grant, err := Create("lib-1", senderPriv, senderPub, "release-42", "s3://bucket/prefix", payload, recipientPub, 0)
	require.NoError(t, err)

	opened, err := Open(grant, recipientPub, recipientPriv)
	require.NoError(t, err)
	require.Equal(t, releaseKey, opened.ReleaseKey)
	require.Equal(t, "abc123", opened.BackendCreds["token"])
}

func TestOpenRejectsTamperedSignature(t *testing.T) {
	senderPub, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	recipientPub, recipientPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	grant, err := Create("lib-1", senderPriv, senderPub, "release-42", "ref", GrantPayload{}, recipientPub, 0)
	require.NoError(t, err)

	grant.ReleaseID = "release-99" // tamper after signing
	_, err = Open(grant, recipientPub, recipientPriv)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}
