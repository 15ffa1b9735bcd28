// Package cloudhome defines the narrow storage contract (spec.md §4.2)
// that lets the sync core stay backend-agnostic across S3 and
// consumer-cloud object stores. Consumers of this package never know which
// backend they are talking to — mirrors the teacher's
// massifs.ObjectReaderWriter split between a storage-agnostic interface
// (massifs/objectstore.go) and concrete backends wired in at the edges.
package cloudhome

import (
	"context"
	"errors"
)

// Errors returned by Home operations, matching the taxonomy in spec.md's
// §4.2 contract table.
var (
	ErrNotFound     = errors.New("cloudhome: object not found")
	ErrNotAuthorized = errors.New("cloudhome: not authorized")
	ErrIO           = errors.New("cloudhome: backend io error")
	ErrConflict     = errors.New("cloudhome: conditional write conflict")
	ErrRangeInvalid = errors.New("cloudhome: invalid byte range")
	ErrNotSupported = errors.New("cloudhome: operation not supported by this backend")
)

// JoinInfo is the backend-specific payload produced by GrantAccess, bundled
// into an invite code alongside the wrapped library key path (spec.md §4.8
// Invite flow, spec.md §6 Invite code).
type JoinInfo struct {
	Backend string            `json:"backend"`
	Fields  map[string]string `json:"fields"`
}

// Home is the uniform contract every backend (S3, Azure Blob, Google
// Drive, Dropbox, OneDrive, iCloud, pCloud) must satisfy.
type Home interface {
	// Write durably stores bytes at path, overwriting any existing object.
	Write(ctx context.Context, path string, data []byte) error
	// Read returns the exact bytes at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)
	// ReadRange returns bytes in [start, end), HTTP-Range semantics.
	ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error)
	// List enumerates every path under prefix, paginating internally so
	// the result is always complete.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes path; deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
	// Exists reports whether path is present.
	Exists(ctx context.Context, path string) (bool, error)
	// WriteIfAbsent writes data at path only if nothing exists there yet,
	// failing with ErrConflict otherwise. Used for the changes/{d}/{s}.enc
	// objects, which must never be silently overwritten (spec.md invariant 1).
	WriteIfAbsent(ctx context.Context, path string, data []byte) error
	// GrantAccess invites memberID to this cloud home, returning
	// backend-specific JoinInfo. On shared-credential backends (S3), where
	// access is managed out of band, it is a no-op whose JoinInfo grants
	// nothing.
	GrantAccess(ctx context.Context, memberID string) (JoinInfo, error)
	// RevokeAccess is idempotent and removes memberID's access where the
	// backend supports it.
	RevokeAccess(ctx context.Context, memberID string) error
}
