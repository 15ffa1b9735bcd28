package cli

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoLocalKey is surfaced when this device has no local copy of the
// master key. spec.md leaves iCloud-Keychain-style recovery after losing
// both a device's keypair and its key-wrap undefined; baed does not invent
// a recovery flow, it just names the failure (SPEC_FULL.md §7 Open
// Question 2) — the only way back in is another member's 'baed invite'.
var ErrNoLocalKey = errors.New("cli: no local master key; join via an invite code from an existing member")

func masterKeyPath(dataDir string) string { return filepath.Join(dataDir, "master.key") }

// generateMasterKey creates the library's single 32-byte symmetric key
// (spec.md §3 "Library... a single 32-byte symmetric encryption key") and
// persists it locally. Recovering it after losing both this file and every
// device's sealed key-wrap copy is explicitly out of scope (spec.md §1
// Non-goals: "account recovery after loss of both keypair and library
// key").
func generateMasterKey(dataDir string) ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("cli: generate master key: %w", err)
	}
	if err := os.WriteFile(masterKeyPath(dataDir), key[:], 0o600); err != nil {
		return key, fmt.Errorf("cli: write master key: %w", err)
	}
	return key, nil
}

func loadMasterKey(dataDir string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(masterKeyPath(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return key, ErrNoLocalKey
	}
	if err != nil {
		return key, fmt.Errorf("cli: read master key: %w", err)
	}
	if len(data) != 32 {
		return key, fmt.Errorf("cli: master key file is %d bytes, want 32", len(data))
	}
	copy(key[:], data)
	return key, nil
}

// saveMasterKey persists a master key obtained from elsewhere (e.g.
// unwrapped via a join code), as opposed to one generated locally.
func saveMasterKey(dataDir string, key [32]byte) error {
	return os.WriteFile(masterKeyPath(dataDir), key[:], 0o600)
}
