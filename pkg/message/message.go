// Package message defines CoralKM's wire protocol: typed, threaded messages
// exchanged between wallet, gateway, and guardian roles (spec §4.3, §6), and
// the codec that validates them and builds problem-report replies.
//
// Grounded on the teacher's manager.Command — a tagged envelope dispatched
// by a string discriminator (pkg/manager/fsm.go) — generalized from a single
// flat Op/Data pair into the full id/type/from/to/thid/pthid/body shape
// spec §6 requires, with required-field validation per type instead of
// per-command JSON unmarshaling.
package message

import (
	"github.com/google/uuid"

	"github.com/coralstack/coralkm/pkg/types"
)

// TypePrefix is the common URI prefix for every CoralKM message type.
const TypePrefix = "https://coralstack.com/coralkm/0.1/"

// Message type URIs, spec §6.
const (
	TypeNamespaceRequest         = TypePrefix + "namespace-request"
	TypeNamespaceGrant           = TypePrefix + "namespace-grant"
	TypeNamespaceDeny            = TypePrefix + "namespace-deny"
	TypeNamespaceSync            = TypePrefix + "namespace-sync"
	TypeNamespaceSyncResponse    = TypePrefix + "namespace-sync-response"
	TypeNamespaceRecoveryRequest = TypePrefix + "namespace-recovery-request"
	TypeGuardianRequest          = TypePrefix + "guardian-request"
	TypeGuardianGrant            = TypePrefix + "guardian-grant"
	TypeGuardianDeny             = TypePrefix + "guardian-deny"
	TypeGuardianRemove           = TypePrefix + "guardian-remove"
	TypeGuardianRemoveConfirm    = TypePrefix + "guardian-remove-confirm"
	TypeGuardianShareUpdate      = TypePrefix + "guardian-share-update"
	TypeGuardianShareUpdateConfirm = TypePrefix + "guardian-share-update-confirm"
	TypeGuardianVerificationChallenge         = TypePrefix + "guardian-verification-challenge"
	TypeGuardianVerificationChallengeResponse = TypePrefix + "guardian-verification-challenge-response"
	TypeGuardianReleaseShare                  = TypePrefix + "guardian-release-share"
	TypeProblemReport                         = TypePrefix + "problem-report"
)

// Body is a message's type-specific payload. It is a plain map rather than
// one struct per type because the codec validates required fields
// generically from the table in requiredFields (codec.go); handlers type-
// assert the fields they need once validation has passed.
type Body map[string]any

// Message is CoralKM's immutable protocol envelope (spec §4.3, §6).
type Message struct {
	ID    uuid.UUID
	Type  string
	From  types.Identity
	To    []types.Identity
	Thid  *uuid.UUID
	Pthid *uuid.UUID
	Body  Body
}

// New builds a Message with a fresh id, ready to be threaded by the caller.
func New(msgType string, from types.Identity, to types.Identity, body Body) Message {
	return Message{
		ID:   uuid.New(),
		Type: msgType,
		From: from,
		To:   []types.Identity{to},
		Body: body,
	}
}

// Broadcast builds a Message addressed to more than one recipient, used by
// recovery.Coordinator.Start to send NAMESPACE_RECOVERY_REQUEST to every
// guardian in one message.
func Broadcast(msgType string, from types.Identity, to []types.Identity, body Body) Message {
	return Message{
		ID:   uuid.New(),
		Type: msgType,
		From: from,
		To:   to,
		Body: body,
	}
}

// WithThid threads m as a reply to request: thid = request.ID.
func (m Message) WithThid(request Message) Message {
	id := request.ID
	m.Thid = &id
	return m
}

// WithPthid marks m as belonging to the ceremony rooted at ceremonyID.
func (m Message) WithPthid(ceremonyID uuid.UUID) Message {
	id := ceremonyID
	m.Pthid = &id
	return m
}

// ThreadOf returns the thread id a reply to m should carry: m's own thid if
// it has one (m is itself a reply), otherwise m's id.
func (m Message) ThreadOf() uuid.UUID {
	if m.Thid != nil {
		return *m.Thid
	}
	return m.ID
}

// String returns s as a Body field value, or "" if k is absent or not a
// string.
func (b Body) String(k string) string {
	v, _ := b[k].(string)
	return v
}

// Get returns the raw value of field k and whether it was present.
func (b Body) Get(k string) (any, bool) {
	v, ok := b[k]
	return v, ok
}
