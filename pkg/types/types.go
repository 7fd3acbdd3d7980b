// Package types holds the entities shared across CoralKM's components:
// namespaces and their backups on the gateway side, guardian policies and
// shares on the guardian side, and the recovery bookkeeping used by both.
//
// Every cross-component reference is an identity value (a DID-shaped string
// or a UUID) — never a pointer — so that Store implementations can persist
// and reload state without resurrecting object graphs.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Identity is an opaque DID-shaped identifier for a wallet, gateway, or
// guardian. CoralKM never resolves or validates it — that is the job of the
// DID-resolution collaborator named in spec §1.
type Identity string

// PolicyStatus is the outcome of a policy decision recorded against a
// requester identity.
type PolicyStatus string

const (
	PolicyGranted PolicyStatus = "granted"
	PolicyDenied  PolicyStatus = "denied"
)

// Namespace is the opaque per-wallet bucket a gateway hands out on
// provisioning. It doubles as the AEAD associated data for the wallet's
// backup, binding a ciphertext to the namespace it was written under.
type Namespace struct {
	ID         uuid.UUID `json:"id"`
	GatewayDID Identity  `json:"gateway_did"`
}

// NamespacePolicy is the gateway's access decision for a requester.
type NamespacePolicy struct {
	Requester Identity     `json:"requester"`
	Status    PolicyStatus `json:"status"`
}

// BackupBlob is the ciphertext a gateway holds on behalf of a namespace
// owner, plus the integrity hash returned on PUT.
type BackupBlob struct {
	Data     []byte     `json:"data"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
	Hash     [32]byte   `json:"hash"`
}

// GuardianPolicy is the guardian-side counterpart of NamespacePolicy: whether
// a given identity is currently allowed to act as a guardian.
type GuardianPolicy struct {
	Requester Identity     `json:"requester"`
	Status    PolicyStatus `json:"status"`
}

// Share is one guardian's threshold share of a wallet's DEK for a given
// namespace. Stores key it by (Owner, Namespace.ID); exactly one live Share
// exists per (guardian, namespace).
type Share struct {
	Owner     Identity  `json:"owner"`
	Namespace Namespace `json:"namespace"`
	Threshold uint8     `json:"threshold"`
	Share     []byte    `json:"share"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecoveryRequestTTL is the default lifetime of a guardian-side
// RecoveryRequest before it must be purged unprocessed.
const RecoveryRequestTTL = 24 * time.Hour

// RecoveryRequest is the guardian-side record of an in-flight recovery
// ceremony, created on NAMESPACE_RECOVERY_REQUEST and deleted once the
// guardian has released (or refused to release) its share.
type RecoveryRequest struct {
	ID             uuid.UUID `json:"id"`
	DeviceIdentity Identity  `json:"device_identity"`
	Namespace      Namespace `json:"namespace"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the request's TTL has elapsed as of now.
func (r RecoveryRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ChallengeKind distinguishes the two demo verification modes named in
// spec §3; production deployments replace both with a cryptographic
// challenge-response per spec §9 open question 1.
type ChallengeKind string

const (
	ChallengeCode     ChallengeKind = "code"
	ChallengeQuestion ChallengeKind = "question"
)

// VerificationChallenge is issued by a guardian to the recovering device
// under pthid = recovery-id.
type VerificationChallenge struct {
	ID           uuid.UUID     `json:"id"`
	Kind         ChallengeKind `json:"kind"`
	Instructions string        `json:"instructions"`
}

// DemoVerificationCode is the fixed code the demo verification flow accepts.
// spec §9 open question 1: production MUST replace this with an HMAC or
// signed-nonce challenge bound to pthid and the device identity.
const DemoVerificationCode = "123456"
