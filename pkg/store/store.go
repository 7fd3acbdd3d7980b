// Package store defines CoralKM's persistence boundary (spec §4.4):
// NamespaceStore for the gateway side (namespace policy, namespace identity,
// encrypted backup blobs) and GuardianStore for the guardian side (guardian
// policy, DEK shares, in-flight recovery requests).
//
// Grounded on the teacher's pkg/storage: an interface (store.go) with a
// BoltDB-backed implementation (boltdb.go) keyed by JSON-marshaled records in
// per-entity buckets. CoralKM keeps that shape and adds an in-memory
// implementation for tests, since the teacher's own test suite talks to a
// temp-dir BoltStore rather than a fake.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/coralstack/coralkm/pkg/types"
)

// NamespaceStore is the gateway's view of persistent state: which
// requesters may sync a namespace, the namespace identities themselves, and
// their encrypted backup blobs.
type NamespaceStore interface {
	GetPolicy(ctx context.Context, requester types.Identity) (types.NamespacePolicy, error)
	SetPolicy(ctx context.Context, policy types.NamespacePolicy) error
	RemovePolicy(ctx context.Context, requester types.Identity) error

	CreateNamespace(ctx context.Context, owner types.Identity) (types.Namespace, error)
	GetNamespace(ctx context.Context, id uuid.UUID) (types.Namespace, error)
	GetNamespaceByOwner(ctx context.Context, owner types.Identity) (types.Namespace, error)

	// RotateNamespace replaces the namespace's identity with a freshly
	// generated one, keeping the same owner (spec §4.4's rotate_id).
	RotateNamespace(ctx context.Context, id uuid.UUID) (types.Namespace, error)

	// SaveBackup stores data under namespace, returning its SHA-256 hash.
	SaveBackup(ctx context.Context, namespace types.Namespace, data []byte) ([32]byte, error)
	GetBackup(ctx context.Context, namespace types.Namespace) (types.BackupBlob, error)

	DeleteNamespace(ctx context.Context, id uuid.UUID) error

	Close() error
}

// GuardianStore is a guardian's view of persistent state: which requesters
// may act as guardians, the DEK shares held on behalf of wallet owners, and
// in-flight recovery ceremonies.
type GuardianStore interface {
	GetPolicy(ctx context.Context, requester types.Identity) (types.GuardianPolicy, error)
	SetPolicy(ctx context.Context, policy types.GuardianPolicy) error

	// RemoveGuardian deletes requester's policy and every share it holds as
	// a single atomic operation (spec §7's GuardianRemove transactionality).
	RemoveGuardian(ctx context.Context, requester types.Identity) error

	IsGuardian(ctx context.Context, requester types.Identity) (bool, error)

	SaveShare(ctx context.Context, share types.Share) error
	GetShare(ctx context.Context, owner types.Identity, namespace types.Namespace) (types.Share, error)
	ListShares(ctx context.Context, owner types.Identity) ([]types.Share, error)
	DeleteShare(ctx context.Context, owner types.Identity, namespace types.Namespace) error

	SaveRecoveryRequest(ctx context.Context, req types.RecoveryRequest) error
	GetRecoveryRequest(ctx context.Context, id uuid.UUID) (types.RecoveryRequest, error)
	DeleteRecoveryRequest(ctx context.Context, id uuid.UUID) error

	Close() error
}

func shareKey(owner types.Identity, namespace types.Namespace) string {
	return string(owner) + "/" + namespace.ID.String()
}
