// Package coralerr holds the sentinel errors that make up CoralKM's error
// taxonomy (spec §7). Components wrap these with fmt.Errorf("...: %w", ...)
// as they propagate; the engine's problem-report path resolves them back
// with CodeForError (errors.Is) to pick the wire code.
package coralerr

import "errors"

var (
	ErrInvalidArgument        = errors.New("invalid_argument")
	ErrInvalidRole            = errors.New("invalid_role")
	ErrUnsupportedMessageType = errors.New("unsupported_message_type")
	ErrPolicyNotGranted       = errors.New("policy_not_granted")
	ErrNotAGuardian           = errors.New("not_a_guardian")
	ErrNamespaceNotFound      = errors.New("namespace_not_found")
	ErrNotFound               = errors.New("not_found")
	ErrAeadAadMismatch        = errors.New("aead_aad_mismatch")
	ErrAeadUnsupportedAlg     = errors.New("aead_unsupported_alg")
	ErrSssInsufficientShares  = errors.New("sss_insufficient_shares")
	ErrSssCorruptShare        = errors.New("sss_corrupt_share")
	ErrExpired                = errors.New("expired")
	ErrInternal               = errors.New("internal_error")
)

// Code is the wire-level taxonomy tag carried in a problem-report body. It is
// distinct from the Go sentinel errors above so that the wire format never
// leaks a Go error string.
type Code string

const (
	CodeInvalidArgument        Code = "invalid-argument"
	CodeInvalidRole            Code = "invalid-role"
	CodeUnsupportedMessageType Code = "unsupported-message-type"
	CodePolicyNotGranted       Code = "policy-not-granted"
	CodeNamespaceNotFound      Code = "namespace-not-found"
	CodeAeadAadMismatch        Code = "aead-aad-mismatch"
	CodeAeadUnsupportedAlg     Code = "aead-unsupported-alg"
	CodeSssInsufficientShares  Code = "sss-insufficient-shares"
	CodeSssCorruptShare        Code = "sss-corrupt-share"
	CodeExpired                Code = "expired"
	CodeInternal               Code = "internal-error"
)

// codeFor maps a sentinel error to its wire code. NotAGuardian deliberately
// has no entry: spec §4.5 requires a silent drop, never a problem report,
// to avoid guardian enumeration.
var codeFor = map[error]Code{
	ErrInvalidArgument:        CodeInvalidArgument,
	ErrInvalidRole:            CodeInvalidRole,
	ErrUnsupportedMessageType: CodeUnsupportedMessageType,
	ErrPolicyNotGranted:       CodePolicyNotGranted,
	ErrNamespaceNotFound:      CodeNamespaceNotFound,
	ErrAeadAadMismatch:        CodeAeadAadMismatch,
	ErrAeadUnsupportedAlg:     CodeAeadUnsupportedAlg,
	ErrSssInsufficientShares:  CodeSssInsufficientShares,
	ErrSssCorruptShare:        CodeSssCorruptShare,
	ErrExpired:                CodeExpired,
}

// CodeForError resolves err (possibly wrapped) to its wire code, defaulting
// to CodeInternal for anything the taxonomy doesn't recognize.
func CodeForError(err error) Code {
	for sentinel, code := range codeFor {
		if errorsIs(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// errorsIs is a thin indirection so this file only imports "errors" once.
func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}
