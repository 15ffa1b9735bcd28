// Package membership implements MembershipChain (C8, spec.md §4.8): an
// append-only, per-author signed log of Add/Remove actions that governs
// which pubkeys are allowed to author changesets at a given HLC, plus the
// sealed per-member key wraps that accompany it.
//
// Grounded on the teacher's massifs append-only log discipline (each entry
// is its own immutable object, never overwritten, ordered by reading the
// whole log back) adapted from per-massif blob objects to
// membership/{author_pubkey}/{seq}.enc objects, and on cryptobox for
// signing and sealed-box key wrap.
package membership

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
	"github.com/baesync/bae-sync/internal/hlc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action is the tagged Add/Remove variant spec.md §9 asks for in place of
// a boolean flag.
type Action uint8

const (
	ActionAdd Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "Remove"
	}
	return "Add"
}

// Role distinguishes Owners, who may sign further membership entries, from
// ordinary Members, who may not (spec.md §4.8 validation rule 2).
type Role uint8

const (
	RoleMember Role = iota
	RoleOwner
)

func (r Role) String() string {
	if r == RoleOwner {
		return "Owner"
	}
	return "Member"
}

// Entry is one immutable record in the chain (spec.md §3 "Membership entry").
type Entry struct {
	Seq          uint64 `json:"seq"`
	Action       Action `json:"action"`
	UserPubkey   string `json:"user_pubkey"`
	Role         Role   `json:"role"`
	HLC          string `json:"hlc"`
	AuthorPubkey string `json:"author_pubkey"`
	Signature    string `json:"signature,omitempty"`
}

// signingBytes returns the bytes an Entry's signature covers: every field
// except Signature itself, marshaled deterministically.
func (e Entry) signingBytes() ([]byte, error) {
	unsigned := e
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

var (
	ErrNotSelfSignedOwner  = errors.New("membership: earliest entry must be a self-signed owner Add")
	ErrAuthorNotOwner      = errors.New("membership: entry author was not an owner at its HLC")
	ErrSignatureInvalid    = errors.New("membership: signature verification failed")
	ErrMalformedPubkey     = errors.New("membership: malformed pubkey hex")
)

// Member is the materialized membership state for one user, the result of
// folding the chain up to some point.
type Member struct {
	UserPubkey string
	Role       Role
	Revoked    bool
	AddedAt    hlc.Timestamp
	RemovedAt  *hlc.Timestamp
}

// Chain holds the validated, HLC-ordered membership log for a library.
type Chain struct {
	log     baelog.Logger
	entries []Entry // validated, in HLC order
}

// Load reads every membership entry from home, decrypts each with
// masterKey, validates the chain per spec.md §4.8's three rules, and
// returns the resulting Chain. An entry that fails signature or
// authority validation is dropped and recorded via onReject (may be nil),
// mirroring the "silently discard, record audit entry" policy of spec.md
// §7 for unsigned/non-member changesets, applied here to membership
// entries themselves.
func Load(ctx context.Context, log baelog.Logger, home cloudhome.Home, masterKey [32]byte, onReject func(entry Entry, reason string)) (*Chain, error) {
	authors, err := listAuthors(ctx, home)
	if err != nil {
		return nil, err
	}

	var raw []Entry
	for _, author := range authors {
		entries, err := fetchAuthorEntries(ctx, home, masterKey, author)
		if err != nil {
			return nil, err
		}
		raw = append(raw, entries...)
	}

	sort.SliceStable(raw, func(i, j int) bool {
		ti, erri := hlc.Parse(raw[i].HLC)
		tj, errj := hlc.Parse(raw[j].HLC)
		if erri != nil || errj != nil {
			return false
		}
		return hlc.Compare(ti, tj) < 0
	})

	c := &Chain{log: log}
	owners := make(map[string]bool)

	for i, e := range raw {
		if i == 0 {
			if e.Action != ActionAdd || e.Role != RoleOwner || e.UserPubkey != e.AuthorPubkey {
				reject(onReject, e, ErrNotSelfSignedOwner.Error())
				continue
			}
			if !verifyEntrySignature(e) {
				reject(onReject, e, ErrSignatureInvalid.Error())
				continue
			}
			owners[e.UserPubkey] = true
			c.entries = append(c.entries, e)
			continue
		}

		if !verifyEntrySignature(e) {
			reject(onReject, e, ErrSignatureInvalid.Error())
			continue
		}
		if !owners[e.AuthorPubkey] {
			reject(onReject, e, ErrAuthorNotOwner.Error())
			continue
		}
		if e.Action == ActionAdd && e.Role == RoleOwner {
			owners[e.UserPubkey] = true
		}
		if e.Action == ActionRemove && e.UserPubkey != "" {
			delete(owners, e.UserPubkey)
		}
		c.entries = append(c.entries, e)
	}

	return c, nil
}

func reject(onReject func(Entry, string), e Entry, reason string) {
	if onReject != nil {
		onReject(e, reason)
	}
}

func verifyEntrySignature(e Entry) bool {
	authorPub, err := hex.DecodeString(e.AuthorPubkey)
	if err != nil || len(authorPub) != 32 {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil || len(sig) != 64 {
		return false
	}
	signingBytes, err := e.signingBytes()
	if err != nil {
		return false
	}
	return cryptobox.Verify(authorPub, signingBytes, sig)
}

// IsMemberAt reports whether pubkey held (unrevoked) membership at HLC t,
// the check spec.md invariant 5 requires before applying any changeset
// authored by pubkey.
func (c *Chain) IsMemberAt(pubkey string, t hlc.Timestamp) bool {
	member := false
	for _, e := range c.entries {
		entryHLC, err := hlc.Parse(e.HLC)
		if err != nil || hlc.Compare(entryHLC, t) > 0 {
			break
		}
		if e.UserPubkey != pubkey {
			continue
		}
		switch e.Action {
		case ActionAdd:
			member = true
		case ActionRemove:
			member = false
		}
	}
	return member
}

// IsEmpty reports whether the library has never had a membership entry
// written, the signal that distinguishes single-user from multi-user mode
// (spec.md §3: "Promoted to multi-user when the first membership entry is
// written").
func (c *Chain) IsEmpty() bool { return len(c.entries) == 0 }

// Entries returns the validated chain in HLC order.
func (c *Chain) Entries() []Entry { return append([]Entry(nil), c.entries...) }

// NextSeq returns the next author-local seq to use when appending a new
// entry authored by authorPubkey (each author keeps its own seq space
// under membership/{author_pubkey}/, spec.md §4.8).
func (c *Chain) NextSeq(authorPubkey string) uint64 {
	var max uint64
	found := false
	for _, e := range c.entries {
		if e.AuthorPubkey == authorPubkey && (!found || e.Seq > max) {
			max = e.Seq
			found = true
		}
	}
	if !found {
		return 1
	}
	return max + 1
}

func listAuthors(ctx context.Context, home cloudhome.Home) ([]string, error) {
	paths, err := home.List(ctx, "membership/")
	if err != nil {
		return nil, fmt.Errorf("membership: list: %w", err)
	}
	seen := make(map[string]bool)
	var authors []string
	for _, p := range paths {
		trimmed := p[len("membership/"):]
		idx := indexOfSlash(trimmed)
		if idx < 0 {
			continue
		}
		author := trimmed[:idx]
		if !seen[author] {
			seen[author] = true
			authors = append(authors, author)
		}
	}
	return authors, nil
}

func indexOfSlash(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func fetchAuthorEntries(ctx context.Context, home cloudhome.Home, masterKey [32]byte, author string) ([]Entry, error) {
	prefix := cloudhome.MembershipPrefix(author)
	paths, err := home.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("membership: list author %s: %w", author, err)
	}

	var entries []Entry
	for _, p := range paths {
		blob, err := home.Read(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("membership: read %s: %w", p, err)
		}
		plaintext, err := cryptobox.Open(masterKey, blob)
		if err != nil {
			return nil, fmt.Errorf("membership: decrypt %s: %w", p, err)
		}
		var e Entry
		if err := json.Unmarshal(plaintext, &e); err != nil {
			return nil, fmt.Errorf("membership: unmarshal %s: %w", p, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append signs and uploads a new entry, plus (for an Add) the sealed
// library key wrap at keys/{user_pubkey}.enc, or (for a Remove) deletes
// that wrap (spec.md §4.8 key-wrap and revoke flows).
func Append(ctx context.Context, home cloudhome.Home, masterKey [32]byte, authorPriv, authorPub []byte, seq uint64, action Action, userPubkeyHex string, role Role, t hlc.Timestamp, recipientX25519Pub *[32]byte) error {
	e := Entry{
		Seq:          seq,
		Action:       action,
		UserPubkey:   userPubkeyHex,
		Role:         role,
		HLC:          t.String(),
		AuthorPubkey: hex.EncodeToString(authorPub),
	}
	signingBytes, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("membership: signing bytes: %w", err)
	}
	e.Signature = hex.EncodeToString(cryptobox.Sign(authorPriv, signingBytes))

	plaintext, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("membership: marshal entry: %w", err)
	}
	blob, err := cryptobox.Seal(masterKey, plaintext)
	if err != nil {
		return fmt.Errorf("membership: seal entry: %w", err)
	}

	path := cloudhome.MembershipEntryPath(e.AuthorPubkey, seq)
	if err := home.WriteIfAbsent(ctx, path, blob); err != nil {
		return fmt.Errorf("membership: write entry %s: %w", path, err)
	}

	switch action {
	case ActionAdd:
		if recipientX25519Pub == nil {
			return errors.New("membership: Add requires recipient X25519 pubkey for key wrap")
		}
		wrapped, err := cryptobox.SealedBoxSeal(recipientX25519Pub, masterKey[:])
		if err != nil {
			return fmt.Errorf("membership: seal key wrap: %w", err)
		}
		if err := home.Write(ctx, cloudhome.KeyWrapPath(userPubkeyHex), wrapped); err != nil {
			return fmt.Errorf("membership: write key wrap: %w", err)
		}
	case ActionRemove:
		if err := home.Delete(ctx, cloudhome.KeyWrapPath(userPubkeyHex)); err != nil {
			return fmt.Errorf("membership: delete key wrap: %w", err)
		}
	}
	return nil
}

// InviteCode is the opaque, base64url-encoded payload handed to a new
// member out of band (spec.md §6 "Invite code"): it never carries the
// master key in the clear, only backend join info and where to fetch the
// sealed key wrap from once access is granted.
type InviteCode struct {
	Backend        string            `json:"backend"`
	JoinInfo       map[string]string `json:"join_info"`
	SenderPubkey   string            `json:"sender_pubkey"`
	WrappedKeyPath string            `json:"wrapped_key_path"`
}

// BuildInviteCode bundles a CloudHome.GrantAccess result with the wrapped
// key path the invitee will fetch after joining.
func BuildInviteCode(join cloudhome.JoinInfo, senderPubkeyHex, userPubkeyHex string) InviteCode {
	return InviteCode{
		Backend:        join.Backend,
		JoinInfo:       join.Fields,
		SenderPubkey:   senderPubkeyHex,
		WrappedKeyPath: cloudhome.KeyWrapPath(userPubkeyHex),
	}
}

func (ic InviteCode) Encode() (string, error) {
	raw, err := json.Marshal(ic)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func DecodeInviteCode(s string) (InviteCode, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return InviteCode{}, fmt.Errorf("membership: decode invite code: %w", err)
	}
	var ic InviteCode
	if err := json.Unmarshal(raw, &ic); err != nil {
		return InviteCode{}, fmt.Errorf("membership: unmarshal invite code: %w", err)
	}
	return ic, nil
}
