package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Envelope{
		DeviceID:      "device-a",
		Seq:           7,
		SchemaVersion: 3,
		HLC:           "0000000001000-00000-device-a",
		Message:       "import album",
		ChangesetSize: 128,
	}
	changeset := []byte{0x01, 0x02, 0x03}

	body, err := Encode(e, changeset)
	require.NoError(t, err)

	gotEnv, gotChangeset, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, e, gotEnv)
	require.Equal(t, changeset, gotChangeset)
}

func TestDecodeMissingSeparator(t *testing.T) {
	_, _, err := Decode([]byte("no separator here"))
	require.ErrorIs(t, err, ErrNoSeparator)
}

func TestSigningBytesExcludesSignatureField(t *testing.T) {
	e := Envelope{DeviceID: "d", Seq: 1, AuthorPubkey: "aa", Signature: "bb"}
	changeset := []byte("cs")

	signed, err := e.SigningBytes(changeset)
	require.NoError(t, err)

	withoutSig := e
	withoutSig.Signature = ""
	unsigned, err := withoutSig.SigningBytes(changeset)
	require.NoError(t, err)

	require.Equal(t, unsigned, signed)
}
