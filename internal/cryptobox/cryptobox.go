// Package cryptobox implements bae-sync's cryptography primitives
// (spec.md §4.3): chunked XChaCha20-Poly1305 AEAD, Ed25519 detached
// signing, X25519 sealed-box key wrap, and HKDF-SHA256 key derivation.
//
// Grounding: the teacher repo pulls golang.org/x/crypto in transitively
// (via go-datatrails-common, for TLS and the rest of its Azure stack); this
// package promotes it to a direct dependency and uses exactly the
// primitives spec.md names: chacha20poly1305.NewX, nacl/box for the
// sealed-box construction, and hkdf.New for key derivation. Ed25519 itself
// is crypto/ed25519 from the standard library — there is no third-party
// replacement for a primitive the standard library already implements to
// spec. SHA-256, HMAC and the random source likewise come from the
// standard library (crypto/sha256, crypto/hmac, crypto/rand).
package cryptobox

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const (
	// ChunkSize is the plaintext chunk size AEAD operates over (spec.md §4.3).
	ChunkSize = 64 * 1024
	// NonceSize is the random nonce prefixed to every encrypted blob.
	NonceSize = chacha20poly1305.NonceSizeX

	hkdfSaltInfo = "bae-hkdf-salt-v1"
	releaseInfoPrefix = "bae-release-v1:"
)

var (
	ErrCiphertextTooShort = errors.New("cryptobox: ciphertext shorter than nonce")
	ErrChunkTruncated     = errors.New("cryptobox: truncated chunk in ciphertext stream")
)

// Seal encrypts plaintext under key (must be 32 bytes), chunking it into
// ChunkSize pieces each with its own authentication tag, and prefixing the
// result with a fresh random 24-byte nonce, per the wire format in
// spec.md §6: "[24-byte random nonce] [ciphertext(AEAD, 64 KiB chunks...)]".
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new aead: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: nonce: %w", err)
	}

	numChunks := len(plaintext)/ChunkSize + 1
	out := make([]byte, 0, NonceSize+len(plaintext)+aead.Overhead()*numChunks)
	out = append(out, nonce...)

	offset := 0
	for chunkIndex := 0; ; chunkIndex++ {
		end := offset + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		out = aead.Seal(out, chunkNonce(nonce, chunkIndex), plaintext[offset:end], nil)
		if end == len(plaintext) {
			break
		}
		offset = end
	}
	return out, nil
}

// Open decrypts a blob produced by Seal, reversing the chunking above.
func Open(key [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: new aead: %w", err)
	}

	nonce := ciphertext[:NonceSize]
	rest := ciphertext[NonceSize:]

	var plaintext []byte
	chunkSize := ChunkSize + aead.Overhead()
	for i := 0; i < len(rest); i += chunkSize {
		end := i + chunkSize
		if end > len(rest) {
			end = len(rest)
		}
		chunk := rest[i:end]
		if len(chunk) < aead.Overhead() {
			return nil, ErrChunkTruncated
		}
		chunkNonce := chunkNonce(nonce, i/chunkSize)
		plaintext, err = aead.Open(plaintext, chunkNonce, chunk, nil)
		if err != nil {
			return nil, fmt.Errorf("cryptobox: open chunk %d: %w", i/chunkSize, err)
		}
	}
	return plaintext, nil
}

// chunkNonce derives a per-chunk nonce from the blob's random base nonce and
// the chunk index, so repeated chunks never reuse the same (key, nonce)
// pair under XChaCha20-Poly1305's extended 24-byte nonce space.
func chunkNonce(base []byte, index int) []byte {
	n := make([]byte, len(base))
	copy(n, base)
	// XOR the chunk index into the low bytes of the nonce; with a 24-byte
	// random nonce and a 64 KiB chunk size this cannot wrap within any
	// object bae-sync will ever produce.
	idx := uint64(index)
	for i := 0; i < 8 && i < len(n); i++ {
		n[len(n)-1-i] ^= byte(idx >> (8 * i))
	}
	return n
}

// Sign produces an Ed25519 detached signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an Ed25519 detached signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// SealedBoxSeal wraps plaintext (e.g. a 32-byte master key) to recipientPub
// using an ephemeral X25519 key pair, per spec.md §4.3's "sealed-box
// (ephemeral X25519 + authenticated encryption)". Only the holder of
// recipientPriv can open it.
func SealedBoxSeal(recipientPub *[32]byte, plaintext []byte) ([]byte, error) {
	return box.SealAnonymous(nil, plaintext, recipientPub, rand.Reader)
}

// SealedBoxOpen reverses SealedBoxSeal.
func SealedBoxOpen(recipientPub, recipientPriv *[32]byte, sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, recipientPub, recipientPriv)
	if !ok {
		return nil, errors.New("cryptobox: sealed box open failed")
	}
	return out, nil
}

// DeriveReleaseKey derives a per-release symmetric key from the library
// master key, using the deterministic salt/info construction spec.md §4.3
// mandates so that any member holding only the master key can rederive it:
//
//	salt = HMAC-SHA256(master_key, "bae-hkdf-salt-v1")
//	info = "bae-release-v1:" || release_id
func DeriveReleaseKey(masterKey [32]byte, releaseID string) ([32]byte, error) {
	mac := hmac.New(sha256.New, masterKey[:])
	mac.Write([]byte(hkdfSaltInfo))
	salt := mac.Sum(nil)

	info := releaseInfoPrefix + releaseID
	r := hkdf.New(sha256.New, masterKey[:], salt, []byte(info))

	var out [32]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return [32]byte{}, fmt.Errorf("cryptobox: hkdf: %w", err)
	}
	return out, nil
}

// Fingerprint returns the first 8 bytes (16 hex chars) of SHA-256(key), used
// to detect a wrong key immediately rather than failing deep inside an
// AEAD decrypt.
func Fingerprint(key [32]byte) string {
	sum := sha256.Sum256(key[:])
	return hex.EncodeToString(sum[:8])
}
