package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

// identity bundles the two local keypairs bae-sync needs once a library is
// promoted to multi-user mode: Ed25519 for signing changesets and
// membership entries, X25519 for receiving sealed-box key wraps
// (share.Create, membership.Append). Persisted at init time regardless of
// whether multi-user mode is ever entered, since becoming the first owner
// requires one already existing (spec.md §4.8 "earliest entry must be a
// self-signed owner Add").
type identity struct {
	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey
	X25519Priv  [32]byte
	X25519Pub   [32]byte
}

type identityFile struct {
	Ed25519Priv string `json:"ed25519_priv"`
	Ed25519Pub  string `json:"ed25519_pub"`
	X25519Priv  string `json:"x25519_priv"`
	X25519Pub   string `json:"x25519_pub"`
}

func identityPath(dataDir string) string { return filepath.Join(dataDir, "identity.json") }

func generateIdentity() (identity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return identity{}, fmt.Errorf("cli: generate ed25519 key: %w", err)
	}
	xPub, xPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return identity{}, fmt.Errorf("cli: generate x25519 key: %w", err)
	}
	return identity{Ed25519Priv: edPriv, Ed25519Pub: edPub, X25519Priv: *xPriv, X25519Pub: *xPub}, nil
}

func saveIdentity(dataDir string, id identity) error {
	f := identityFile{
		Ed25519Priv: hex.EncodeToString(id.Ed25519Priv),
		Ed25519Pub:  hex.EncodeToString(id.Ed25519Pub),
		X25519Priv:  hex.EncodeToString(id.X25519Priv[:]),
		X25519Pub:   hex.EncodeToString(id.X25519Pub[:]),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("cli: marshal identity: %w", err)
	}
	return os.WriteFile(identityPath(dataDir), data, 0o600)
}

func loadIdentity(dataDir string) (identity, error) {
	data, err := os.ReadFile(identityPath(dataDir))
	if err != nil {
		return identity{}, fmt.Errorf("cli: read identity: %w", err)
	}
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return identity{}, fmt.Errorf("cli: unmarshal identity: %w", err)
	}
	var id identity
	if id.Ed25519Priv, err = hex.DecodeString(f.Ed25519Priv); err != nil {
		return identity{}, fmt.Errorf("cli: decode ed25519 priv: %w", err)
	}
	if id.Ed25519Pub, err = hex.DecodeString(f.Ed25519Pub); err != nil {
		return identity{}, fmt.Errorf("cli: decode ed25519 pub: %w", err)
	}
	xPriv, err := hex.DecodeString(f.X25519Priv)
	if err != nil || len(xPriv) != 32 {
		return identity{}, fmt.Errorf("cli: decode x25519 priv: %w", err)
	}
	xPub, err := hex.DecodeString(f.X25519Pub)
	if err != nil || len(xPub) != 32 {
		return identity{}, fmt.Errorf("cli: decode x25519 pub: %w", err)
	}
	copy(id.X25519Priv[:], xPriv)
	copy(id.X25519Pub[:], xPub)
	return id, nil
}

// identityToken is the compound "<ed25519_pub_hex>.<x25519_pub_hex>" string
// a prospective member shares with a library owner out of band before
// being invited — the owner needs the recipient's X25519 pubkey already,
// at Add time, to seal the key wrap (membership.Append).
func (id identity) token() string {
	return hex.EncodeToString(id.Ed25519Pub) + "." + hex.EncodeToString(id.X25519Pub)
}

func parseIdentityToken(tok string) (edPubHex string, x25519Pub [32]byte, err error) {
	sep := -1
	for i := 0; i < len(tok); i++ {
		if tok[i] == '.' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return "", x25519Pub, fmt.Errorf("cli: malformed identity token %q", tok)
	}
	edPubHex = tok[:sep]
	xHex := tok[sep+1:]
	xBytes, err := hex.DecodeString(xHex)
	if err != nil || len(xBytes) != 32 {
		return "", x25519Pub, fmt.Errorf("cli: malformed x25519 pubkey in token %q", tok)
	}
	copy(x25519Pub[:], xBytes)
	return edPubHex, x25519Pub, nil
}
