// Package envelope implements the structured header attached to each
// changeset on upload (spec.md §3 Envelope, §6 Envelope object layout):
//
//	<JSON envelope bytes> 0x00 <native binary changeset bytes>
//
// JSON encode/decode uses jsoniter (github.com/json-iterator/go, pulled
// from the aistore pack's go.mod) in its stdlib-compatible configuration —
// a drop-in, faster encoding/json the way aistore's cmn/jsp package uses it
// for its own on-disk JSON formats.
package envelope

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the structured header in spec.md §3.
type Envelope struct {
	DeviceID      string `json:"device_id"`
	Seq           uint64 `json:"seq"`
	SchemaVersion uint32 `json:"schema_version"`
	HLC           string `json:"hlc"`
	Message       string `json:"message"`
	ChangesetSize uint64 `json:"changeset_size"`

	// Present only in multi-user mode.
	AuthorPubkey string `json:"author_pubkey,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

var (
	ErrNoSeparator = errors.New("envelope: missing 0x00 separator between header and changeset")
)

// SigningBytes returns the exact bytes the multi-user signature covers:
// the changeset bytes followed by the JSON header with Signature cleared
// (spec.md §3: "signature (64 bytes over changeset bytes + header minus
// signature)").
func (e Envelope) SigningBytes(changesetBytes []byte) ([]byte, error) {
	unsigned := e
	unsigned.Signature = ""
	header, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal for signing: %w", err)
	}
	out := make([]byte, 0, len(changesetBytes)+len(header))
	out = append(out, changesetBytes...)
	out = append(out, header...)
	return out, nil
}

// SignatureBytes decodes the hex-encoded Signature field.
func (e Envelope) SignatureBytes() ([]byte, error) {
	return hex.DecodeString(e.Signature)
}

// AuthorPubkeyBytes decodes the hex-encoded AuthorPubkey field.
func (e Envelope) AuthorPubkeyBytes() ([]byte, error) {
	return hex.DecodeString(e.AuthorPubkey)
}

// Encode renders the "<JSON> 0x00 <changeset>" object body uploaded to
// changes/{device_id}/{seq}.enc (prior to the outer AEAD seal).
func Encode(e Envelope, changesetBytes []byte) ([]byte, error) {
	header, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	out := make([]byte, 0, len(header)+1+len(changesetBytes))
	out = append(out, header...)
	out = append(out, 0x00)
	out = append(out, changesetBytes...)
	return out, nil
}

// Decode splits a "<JSON> 0x00 <changeset>" object body back into its parts.
func Decode(body []byte) (Envelope, []byte, error) {
	idx := bytes.IndexByte(body, 0x00)
	if idx < 0 {
		return Envelope{}, nil, ErrNoSeparator
	}
	var e Envelope
	if err := json.Unmarshal(body[:idx], &e); err != nil {
		return Envelope{}, nil, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return e, body[idx+1:], nil
}
