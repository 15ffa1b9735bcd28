// Package share implements ShareGrants (C10, spec.md §4.10): a signed,
// sealed token that lets a library owner hand a single release's derived
// key (and optionally embedded backend credentials) to an external
// recipient without ever exposing library-wide material or plaintext
// credentials.
//
// Grounded on cryptobox's sealed-box and signing primitives, the same
// construction membership.Append uses for per-member key wraps, applied
// here to a single release instead of the whole master key.
package share

import (
	"encoding/hex"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/baesync/bae-sync/internal/cryptobox"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSignatureInvalid is returned by Open when the grant's signature does
// not verify against the claimed sender pubkey.
var ErrSignatureInvalid = errors.New("share: grant signature invalid")

// GrantPayload is the data sealed to the recipient's X25519 key (spec.md
// §4.10). BackendCreds is opaque: ShareGrants never interprets it, only
// transports it under seal.
type GrantPayload struct {
	ReleaseKey   [32]byte          `json:"release_key"`
	BackendCreds map[string]string `json:"backend_creds,omitempty"`
}

func (p GrantPayload) marshal() ([]byte, error) { return json.Marshal(p) }

func unmarshalPayload(data []byte) (GrantPayload, error) {
	var p GrantPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

// ShareGrant is the signed, transportable token (spec.md §4.10).
type ShareGrant struct {
	FromLibrary    string `json:"from_library"`
	FromUserPub    string `json:"from_user_pub"`
	ReleaseID      string `json:"release_id"`
	BackendRef     string `json:"backend_ref"`
	WrappedPayload string `json:"wrapped_payload"` // hex
	Expires        int64  `json:"expires,omitempty"`
	Signature      string `json:"signature"` // hex
}

func (g ShareGrant) signingBytes() ([]byte, error) {
	unsigned := g
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

// Create builds a ShareGrant: seals payload to recipientX25519Pub and
// signs the resulting grant (minus its own signature field) with the
// sender's Ed25519 key.
func Create(fromLibrary string, fromUserPriv, fromUserPub []byte, releaseID, backendRef string, payload GrantPayload, recipientX25519Pub *[32]byte, expiresUnix int64) (ShareGrant, error) {
	plaintext, err := payload.marshal()
	if err != nil {
		return ShareGrant{}, fmt.Errorf("share: marshal payload: %w", err)
	}
	sealed, err := cryptobox.SealedBoxSeal(recipientX25519Pub, plaintext)
	if err != nil {
		return ShareGrant{}, fmt.Errorf("share: seal payload: %w", err)
	}

	g := ShareGrant{
		FromLibrary: fromLibrary,
		FromUserPub: hex.EncodeToString(fromUserPub),
		ReleaseID:   releaseID,
		BackendRef:  backendRef,
		WrappedPayload: hex.EncodeToString(sealed),
		Expires:     expiresUnix,
	}
	signingBytes, err := g.signingBytes()
	if err != nil {
		return ShareGrant{}, fmt.Errorf("share: signing bytes: %w", err)
	}
	g.Signature = hex.EncodeToString(cryptobox.Sign(fromUserPriv, signingBytes))
	return g, nil
}

// Open verifies g's signature against the sender's claimed pubkey (the
// caller is responsible for deciding whether FromUserPub is trusted —
// e.g. by checking it against a membership chain) and unseals the payload
// using the recipient's X25519 keypair.
func Open(g ShareGrant, recipientX25519Pub, recipientX25519Priv *[32]byte) (GrantPayload, error) {
	senderPub, err := hex.DecodeString(g.FromUserPub)
	if err != nil || len(senderPub) != 32 {
		return GrantPayload{}, fmt.Errorf("share: malformed sender pubkey: %w", err)
	}
	sig, err := hex.DecodeString(g.Signature)
	if err != nil || len(sig) != 64 {
		return GrantPayload{}, fmt.Errorf("share: malformed signature: %w", err)
	}
	signingBytes, err := g.signingBytes()
	if err != nil {
		return GrantPayload{}, fmt.Errorf("share: signing bytes: %w", err)
	}
	if !cryptobox.Verify(senderPub, signingBytes, sig) {
		return GrantPayload{}, ErrSignatureInvalid
	}

	sealed, err := hex.DecodeString(g.WrappedPayload)
	if err != nil {
		return GrantPayload{}, fmt.Errorf("share: malformed wrapped payload: %w", err)
	}
	plaintext, err := cryptobox.SealedBoxOpen(recipientX25519Pub, recipientX25519Priv, sealed)
	if err != nil {
		return GrantPayload{}, fmt.Errorf("share: unseal payload: %w", err)
	}
	return unmarshalPayload(plaintext)
}
