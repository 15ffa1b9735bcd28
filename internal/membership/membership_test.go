package membership

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/hlc"
)

func testHome(t *testing.T) cloudhome.Home {
	t.Helper()
	h, err := cloudhome.NewDiskHome(filepath.Join(t.TempDir(), "home"))
	require.NoError(t, err)
	return h
}

func TestAppendAndLoadSelfSignedOwner(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	ownerPub, ownerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ownerX25519Pub := &[32]byte{1, 2, 3}

	ownerHex := hex.EncodeToString(ownerPub)
	t1 := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}

	err = Append(ctx, home, masterKey, ownerPriv, ownerPub, 1, ActionAdd, ownerHex, RoleOwner, t1, ownerX25519Pub)
	require.NoError(t, err)

	chain, err := Load(ctx, baelog.NewNop(), home, masterKey, nil)
	require.NoError(t, err)
	require.False(t, chain.IsEmpty())
	require.True(t, chain.IsMemberAt(ownerHex, t1))
}

func TestMemberAddedThenRemovedIsNotMemberAfterRemoval(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	ownerPub, ownerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ownerHex := hex.EncodeToString(ownerPub)
	ownerX25519Pub := &[32]byte{1, 2, 3}

	memberPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	memberHex := hex.EncodeToString(memberPub)
	memberX25519Pub := &[32]byte{4, 5, 6}

	t1 := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}
	t2 := hlc.Timestamp{Millis: 2000, Counter: 0, DeviceID: "device-a"}
	t3 := hlc.Timestamp{Millis: 3000, Counter: 0, DeviceID: "device-a"}

	require.NoError(t, Append(ctx, home, masterKey, ownerPriv, ownerPub, 1, ActionAdd, ownerHex, RoleOwner, t1, ownerX25519Pub))
	require.NoError(t, Append(ctx, home, masterKey, ownerPriv, ownerPub, 2, ActionAdd, memberHex, RoleMember, t2, memberX25519Pub))
	require.NoError(t, Append(ctx, home, masterKey, ownerPriv, ownerPub, 3, ActionRemove, memberHex, RoleMember, t3, nil))

	chain, err := Load(ctx, baelog.NewNop(), home, masterKey, nil)
	require.NoError(t, err)

	require.True(t, chain.IsMemberAt(memberHex, t2))
	require.False(t, chain.IsMemberAt(memberHex, t3))
}

func TestEntryFromNonOwnerAuthorIsRejected(t *testing.T) {
	ctx := context.Background()
	home := testHome(t)
	var masterKey [32]byte
	copy(masterKey[:], []byte("01234567890123456789012345678901"))

	ownerPub, ownerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ownerHex := hex.EncodeToString(ownerPub)
	ownerX25519Pub := &[32]byte{1, 2, 3}

	imposterPub, imposterPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	imposterHex := hex.EncodeToString(imposterPub)

	t1 := hlc.Timestamp{Millis: 1000, Counter: 0, DeviceID: "device-a"}
	t2 := hlc.Timestamp{Millis: 2000, Counter: 0, DeviceID: "device-a"}

	require.NoError(t, Append(ctx, home, masterKey, ownerPriv, ownerPub, 1, ActionAdd, ownerHex, RoleOwner, t1, ownerX25519Pub))

	// imposter crafts its own Add entry under its own author keyspace,
	// never having been made an Owner.
	victimPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	victimHex := hex.EncodeToString(victimPub)
	require.NoError(t, Append(ctx, home, masterKey, imposterPriv, imposterPub, 1, ActionAdd, victimHex, RoleOwner, t2, &[32]byte{9}))

	var rejected []string
	chain, err := Load(ctx, baelog.NewNop(), home, masterKey, func(e Entry, reason string) {
		rejected = append(rejected, e.AuthorPubkey+":"+reason)
	})
	require.NoError(t, err)
	require.False(t, chain.IsMemberAt(victimHex, t2))
	require.NotEmpty(t, rejected)
	_ = imposterHex
}

func TestInviteCodeRoundTrip(t *testing.T) {
	join := cloudhome.JoinInfo{Backend: "disk", Fields: map[string]string{"member": "bob"}}
	ic := BuildInviteCode(join, "sender-pub-hex", "user-pub-hex")

	encoded, err := ic.Encode()
	require.NoError(t, err)

	decoded, err := DecodeInviteCode(encoded)
	require.NoError(t, err)
	require.Equal(t, ic, decoded)
}
