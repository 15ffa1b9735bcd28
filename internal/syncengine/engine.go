// Package syncengine implements SyncEngine (C6, spec.md §4.6): the push
// and pull orchestration that ties ChangesetCapture, ChangesetApply,
// CloudHome, the HLC clock, and MembershipChain together into one sync
// cycle, serialized by a per-library mutex (spec.md §5).
//
// Grounded on the teacher's commit/reader split (a committer that appends
// to an append-only log and a reader that lists/fetches/verifies), here
// generalized from one shared log to one-append-only-log-per-device plus
// a conflict-aware apply step the teacher's domain never needed.
package syncengine

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/baesync/bae-sync/internal/baelog"
	"github.com/baesync/bae-sync/internal/changeset"
	"github.com/baesync/bae-sync/internal/cloudhome"
	"github.com/baesync/bae-sync/internal/cryptobox"
	"github.com/baesync/bae-sync/internal/envelope"
	"github.com/baesync/bae-sync/internal/hlc"
	"github.com/baesync/bae-sync/internal/membership"
)

// MembershipSource supplies the current validated membership chain. In
// single-user mode (no membership entries ever written) it returns a chain
// whose IsEmpty() is true and signature/authority checks are skipped
// entirely (spec.md §3: promotion to multi-user only happens once a first
// membership entry exists).
type MembershipSource interface {
	Current(ctx context.Context) (*membership.Chain, error)
}

// Identity bundles the device and (optional, multi-user-mode) author
// signing identity used to build and verify envelopes.
type Identity struct {
	DeviceID      string
	SchemaVersion uint32
	AuthorPriv    ed25519.PrivateKey // nil in single-user mode
	AuthorPub     ed25519.PublicKey  // nil in single-user mode
}

// MultiUser reports whether envelopes should be signed and verified.
func (id Identity) MultiUser() bool { return id.AuthorPub != nil }

// Engine is the per-library sync orchestrator (spec.md §4.6, §5). None of
// its dependencies hold a back-reference to it (spec.md §9 "Avoid cyclic
// ownership").
type Engine struct {
	log       baelog.Logger
	home      cloudhome.Home
	capture   *changeset.Capture
	writeDB   *sql.DB
	clock     *hlc.Clock
	members   MembershipSource
	identity  Identity
	masterKey [32]byte
	images    ImageSource

	mu sync.Mutex // serializes push/pull (spec.md §5 "per-library mutex")
}

// Deps bundles Engine's constructor dependencies, grouped mainly so
// New's call sites stay readable.
type Deps struct {
	Log       baelog.Logger
	Home      cloudhome.Home
	Capture   *changeset.Capture
	WriteDB   *sql.DB
	Clock     *hlc.Clock
	Members   MembershipSource
	Identity  Identity
	MasterKey [32]byte
	Images    ImageSource
}

func New(d Deps) *Engine {
	return &Engine{
		log:       d.Log,
		home:      d.Home,
		capture:   d.Capture,
		writeDB:   d.WriteDB,
		clock:     d.Clock,
		members:   d.Members,
		identity:  d.Identity,
		masterKey: d.MasterKey,
		images:    d.Images,
	}
}

// Push implements spec.md §4.6's push sequence. It is a no-op (step 2)
// when the active capture session has no changes.
func (e *Engine) Push(ctx context.Context, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(ctx, message)
}

func (e *Engine) push(ctx context.Context, message string) error {
	cs, err := e.capture.EndSession(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: push: end session: %w", err)
	}
	defer e.capture.StartSession()

	if cs.Empty() {
		return nil // spec.md §8 boundary test: empty changeset, push skipped
	}

	if err := uploadTouchedImages(ctx, e.home, e.images, e.masterKey, cs, cryptobox.Seal); err != nil {
		return fmt.Errorf("syncengine: push: upload images: %w", err)
	}

	changesetBytes, err := changeset.Marshal(cs)
	if err != nil {
		return fmt.Errorf("syncengine: push: marshal changeset: %w", err)
	}

	seq, err := localSeq(ctx, e.writeDB)
	if err != nil {
		return err
	}
	seq++

	env := envelope.Envelope{
		DeviceID:      e.identity.DeviceID,
		Seq:           seq,
		SchemaVersion: e.identity.SchemaVersion,
		HLC:           e.clock.Now().String(),
		Message:       message,
		ChangesetSize: uint64(len(changesetBytes)),
	}
	if e.identity.MultiUser() {
		env.AuthorPubkey = hexEncode(e.identity.AuthorPub)
		signingBytes, err := env.SigningBytes(changesetBytes)
		if err != nil {
			return fmt.Errorf("syncengine: push: signing bytes: %w", err)
		}
		env.Signature = hexEncode(cryptobox.Sign(e.identity.AuthorPriv, signingBytes))
	}

	body, err := envelope.Encode(env, changesetBytes)
	if err != nil {
		return fmt.Errorf("syncengine: push: encode envelope: %w", err)
	}
	blob, err := cryptobox.Seal(e.masterKey, body)
	if err != nil {
		return fmt.Errorf("syncengine: push: seal: %w", err)
	}

	path := cloudhome.ChangePath(e.identity.DeviceID, seq)
	if err := e.home.WriteIfAbsent(ctx, path, blob); err != nil {
		return fmt.Errorf("syncengine: push: upload changeset: %w", err)
	}

	tx, err := e.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("syncengine: push: begin tx: %w", err)
	}
	if err := setLocalSeq(ctx, tx, seq); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncengine: push: commit local seq: %w", err)
	}

	// heads/{device_id} is written only after the changeset object is
	// durable, so "heads" stays a true lower bound on fetchability
	// (spec.md §4.6 "Ordering guarantees").
	head := headDoc{Seq: seq}
	headBytes, err := marshalHead(head)
	if err != nil {
		return fmt.Errorf("syncengine: push: marshal head: %w", err)
	}
	headBlob, err := cryptobox.Seal(e.masterKey, headBytes)
	if err != nil {
		return fmt.Errorf("syncengine: push: seal head: %w", err)
	}
	if err := e.home.Write(ctx, cloudhome.HeadPath(e.identity.DeviceID), headBlob); err != nil {
		return fmt.Errorf("syncengine: push: write head: %w", err)
	}

	return nil
}

// fetchedEnvelope is one decrypted, split remote changeset awaiting apply.
type fetchedEnvelope struct {
	deviceID  string
	seq       uint64
	env       envelope.Envelope
	hlcTime   hlc.Timestamp
	changeset *changeset.Changeset
}

// Pull implements spec.md §4.6's pull sequence.
func (e *Engine) Pull(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pull(ctx)
}

func (e *Engine) pull(ctx context.Context) error {
	headPaths, err := e.home.List(ctx, cloudhome.HeadsPrefix)
	if err != nil {
		return fmt.Errorf("syncengine: pull: list heads: %w", err)
	}

	heads := make(map[string]uint64)
	for _, p := range headPaths {
		deviceID, err := cloudhome.ParseHeadPath(p)
		if err != nil {
			continue
		}
		blob, err := e.home.Read(ctx, p)
		if err != nil {
			return fmt.Errorf("syncengine: pull: read head %s: %w", p, err)
		}
		plaintext, err := cryptobox.Open(e.masterKey, blob)
		if err != nil {
			return fmt.Errorf("syncengine: pull: decrypt head %s: %w", p, err)
		}
		head, err := unmarshalHead(plaintext)
		if err != nil {
			return fmt.Errorf("syncengine: pull: unmarshal head %s: %w", p, err)
		}
		heads[deviceID] = head.Seq
	}

	var fetched []fetchedEnvelope
	for deviceID, headSeq := range heads {
		if deviceID == e.identity.DeviceID {
			continue // never pull our own device's log
		}
		cursor, err := cursorFor(ctx, e.writeDB, deviceID)
		if err != nil {
			return err
		}
		for seq := cursor + 1; seq <= headSeq; seq++ {
			fe, err := e.fetchOne(ctx, deviceID, seq)
			if err != nil {
				return err
			}
			e.clock.Observe(fe.hlcTime)
			fetched = append(fetched, fe)
		}
	}

	// End the local session before applying anything remote, per spec.md
	// §4.4's strict rule: "end_session MUST be called before applying any
	// incoming changeset; otherwise the next outgoing changeset will
	// mirror remote changes as duplicates."
	if _, err := e.capture.EndSession(ctx); err != nil {
		return fmt.Errorf("syncengine: pull: end local session: %w", err)
	}
	defer e.capture.StartSession()

	sort.SliceStable(fetched, func(i, j int) bool {
		if fetched[i].deviceID == fetched[j].deviceID {
			return fetched[i].seq < fetched[j].seq
		}
		return hlc.Compare(fetched[i].hlcTime, fetched[j].hlcTime) < 0
	})

	chain, err := e.currentChain(ctx)
	if err != nil {
		return err
	}

	// Re-apply CONSTRAINT-omitted changesets until fixed point or no
	// progress (spec.md §4.6 step 7): a later-seq changeset earlier in
	// fetched may supply the parent row an earlier one's FK needs, so a
	// changeset deferred this round can succeed once a sibling in the same
	// batch has landed. Anything still unresolved when no round makes
	// progress is left with its cursor unadvanced, to be retried on the
	// next pull cycle or reconciled by the next snapshot (spec.md §4.6
	// Scenario D).
	remaining := fetched
	for len(remaining) > 0 {
		var deferred []fetchedEnvelope
		progressed := false
		// Once a device's seq is deferred, its later seqs wait with it, so one
		// device's changesets apply in seq order and its cursor never moves
		// past a seq that has not been applied.
		blocked := make(map[string]bool)

		for _, fe := range remaining {
			if blocked[fe.deviceID] {
				deferred = append(deferred, fe)
				continue
			}
			applied, unresolved, err := e.applyOne(ctx, fe, chain)
			if err != nil {
				return err
			}
			if !applied {
				continue
			}
			if unresolved {
				blocked[fe.deviceID] = true
				deferred = append(deferred, fe)
				continue
			}
			progressed = true
			if err := e.queueImages(ctx, fe.changeset); err != nil {
				return err
			}
		}

		if len(deferred) == 0 {
			break
		}
		if !progressed {
			for _, fe := range deferred {
				recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "constraint_deferred", "unresolved after fixed point, retrying next pull")
			}
			break
		}
		remaining = deferred
	}

	return nil
}

// currentChain fetches the membership chain if a MembershipSource is
// configured and returns nil otherwise; applyOne skips every author check
// when the chain is nil or this device's Identity is single-user.
func (e *Engine) currentChain(ctx context.Context) (*membership.Chain, error) {
	if e.members == nil {
		return nil, nil
	}
	return e.members.Current(ctx)
}

// applyOne verifies (in multi-user mode) signature and membership
// authority before applying fe's changeset, recording an audit entry and
// skipping it on any failure (spec.md §7).
//
// The first return value reports whether the envelope passed verification
// (false means it was permanently rejected and recorded to the audit log;
// the caller must not retry it here). The second reports whether any row
// in the changeset came back CONSTRAINT-omitted (spec.md §4.5): when true,
// the cursor is deliberately NOT advanced, so seq stays fetchable and the
// caller can either retry it later in the same pull once sibling
// changesets have applied, or leave it for the next pull cycle once this
// one's fixed point is reached (spec.md §4.6 step 7).
func (e *Engine) applyOne(ctx context.Context, fe fetchedEnvelope, chain *membership.Chain) (ok bool, unresolved bool, err error) {
	if e.identity.MultiUser() && chain != nil {
		if fe.env.AuthorPubkey == "" {
			recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "unsigned_changeset", "multi-user library requires signed envelopes")
			return false, false, nil
		}
		pub, err := fe.env.AuthorPubkeyBytes()
		if err != nil {
			recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "malformed_author_pubkey", err.Error())
			return false, false, nil
		}
		sig, err := fe.env.SignatureBytes()
		if err != nil {
			recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "malformed_signature", err.Error())
			return false, false, nil
		}
		changesetBytes, err := changeset.Marshal(fe.changeset)
		if err != nil {
			return false, false, err
		}
		signingBytes, err := fe.env.SigningBytes(changesetBytes)
		if err != nil {
			return false, false, err
		}
		if !cryptobox.Verify(pub, signingBytes, sig) {
			recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "signature_invalid", "")
			return false, false, nil
		}
		if !chain.IsMemberAt(fe.env.AuthorPubkey, fe.hlcTime) {
			recordAudit(ctx, e.writeDB, fe.deviceID, fe.seq, "author_not_member", fe.env.AuthorPubkey)
			return false, false, nil
		}
	}

	results, err := changeset.Apply(e.log, e.writeDB, fe.changeset, fe.hlcTime)
	if err != nil {
		return false, false, fmt.Errorf("syncengine: pull: apply %s/%d: %w", fe.deviceID, fe.seq, err)
	}
	for _, res := range results {
		if res.Outcome == changeset.OutcomeConstraint {
			return true, true, nil
		}
	}

	tx, err := e.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("syncengine: pull: begin cursor tx: %w", err)
	}
	if err := setCursor(ctx, tx, fe.deviceID, fe.seq); err != nil {
		tx.Rollback()
		return false, false, err
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("syncengine: pull: commit cursor %s/%d: %w", fe.deviceID, fe.seq, err)
	}
	return true, false, nil
}

func (e *Engine) queueImages(ctx context.Context, cs *changeset.Changeset) error {
	return queueMissingImageFetches(ctx, e.writeDB, e.images, cs)
}

func (e *Engine) fetchOne(ctx context.Context, deviceID string, seq uint64) (fetchedEnvelope, error) {
	path := cloudhome.ChangePath(deviceID, seq)
	blob, err := e.home.Read(ctx, path)
	if err != nil {
		return fetchedEnvelope{}, fmt.Errorf("syncengine: pull: read %s: %w", path, err)
	}
	plaintext, err := cryptobox.Open(e.masterKey, blob)
	if err != nil {
		return fetchedEnvelope{}, fmt.Errorf("syncengine: pull: decrypt %s: %w", path, err)
	}
	env, changesetBytes, err := envelope.Decode(plaintext)
	if err != nil {
		return fetchedEnvelope{}, fmt.Errorf("syncengine: pull: decode envelope %s: %w", path, err)
	}
	cs, err := changeset.Unmarshal(changesetBytes)
	if err != nil {
		return fetchedEnvelope{}, fmt.Errorf("syncengine: pull: unmarshal changeset %s: %w", path, err)
	}
	t, err := hlc.Parse(env.HLC)
	if err != nil {
		return fetchedEnvelope{}, fmt.Errorf("syncengine: pull: parse hlc %s: %w", path, err)
	}
	return fetchedEnvelope{deviceID: deviceID, seq: seq, env: env, hlcTime: t, changeset: cs}, nil
}
