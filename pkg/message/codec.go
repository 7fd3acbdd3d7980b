package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/types"
)

// requiredFields lists the body fields that must be present for a message
// of the given type to pass validation, per the table in spec §6. Types
// whose required set depends on a field value (namespace-sync and its
// response) are validated specially in Validate below.
var requiredFields = map[string][]string{
	TypeNamespaceRequest:         nil,
	TypeNamespaceGrant:           {"namespace"},
	TypeNamespaceDeny:            nil,
	TypeNamespaceRecoveryRequest: {"device_did", "namespace", "expires_at"},
	TypeGuardianRequest:          nil,
	TypeGuardianGrant:            nil,
	TypeGuardianDeny:             nil,
	TypeGuardianRemove:           nil,
	TypeGuardianRemoveConfirm:    nil,
	TypeGuardianShareUpdate:        {"namespace", "threshold", "share"},
	TypeGuardianShareUpdateConfirm: nil,
	TypeGuardianVerificationChallenge:         {"challenge"},
	TypeGuardianVerificationChallengeResponse: {"challenge_id", "response"},
	TypeGuardianReleaseShare:                  {"share", "threshold"},
}

// isKnownType is used to reject a message whose Type the codec has never
// heard of, distinctly from one that's well-typed but missing a field.
func isKnownType(t string) bool {
	if t == TypeProblemReport {
		return true
	}
	_, ok := requiredFields[t]
	return ok || t == TypeNamespaceSync || t == TypeNamespaceSyncResponse
}

// Validate checks m against the required-field table for its type,
// returning a wrapped coralerr sentinel describing the first problem found.
func Validate(m Message) error {
	if !isKnownType(m.Type) {
		return fmt.Errorf("message: unknown type %q: %w", m.Type, coralerr.ErrUnsupportedMessageType)
	}
	if m.From == "" {
		return fmt.Errorf("message: missing from: %w", coralerr.ErrInvalidArgument)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("message: missing to: %w", coralerr.ErrInvalidArgument)
	}

	switch m.Type {
	case TypeNamespaceSync:
		return validateNamespaceSync(m)
	case TypeNamespaceSyncResponse:
		return validateNamespaceSyncResponse(m)
	}

	for _, field := range requiredFields[m.Type] {
		if _, ok := m.Body[field]; !ok {
			return fmt.Errorf("message: %s missing required field %q: %w", m.Type, field, coralerr.ErrInvalidArgument)
		}
	}
	return nil
}

func validateNamespaceSync(m Message) error {
	op := m.Body.String("request")
	switch op {
	case "PUT":
		if _, ok := m.Body.Get("data"); !ok {
			return fmt.Errorf("message: namespace-sync PUT missing data: %w", coralerr.ErrInvalidArgument)
		}
	case "GET":
		// recovery_id is optional.
	default:
		return fmt.Errorf("message: namespace-sync has invalid request %q: %w", op, coralerr.ErrInvalidArgument)
	}
	return nil
}

func validateNamespaceSyncResponse(m Message) error {
	op := m.Body.String("request")
	switch op {
	case "PUT":
		if _, ok := m.Body.Get("hash"); !ok {
			return fmt.Errorf("message: namespace-sync-response PUT missing hash: %w", coralerr.ErrInvalidArgument)
		}
	case "GET":
		if _, ok := m.Body.Get("data"); !ok {
			return fmt.Errorf("message: namespace-sync-response GET missing data: %w", coralerr.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("message: namespace-sync-response has invalid request %q: %w", op, coralerr.ErrInvalidArgument)
	}
	return nil
}

// ProblemReport builds the error-report reply for a failed offender message
// (spec §4.3, §7): pthid is the offender's thid if it has one, else its id,
// and the reply is addressed back to the offender's sender.
func ProblemReport(from types.Identity, offender Message, code coralerr.Code, comment string, args ...string) Message {
	pthid := offender.ThreadOf()

	body := Body{
		"code":    string(code),
		"comment": Format(comment, args),
	}
	if len(args) > 0 {
		body["args"] = args
	}

	reply := New(TypeProblemReport, from, offender.From, body)
	reply.Pthid = &pthid
	return reply
}

// Format substitutes {1}..{n} placeholders in comment with args[i-1],
// leaving indices with no corresponding arg untouched (spec §4.3).
func Format(comment string, args []string) string {
	var b strings.Builder
	i := 0
	for i < len(comment) {
		if comment[i] == '{' {
			if end := strings.IndexByte(comment[i:], '}'); end > 0 {
				token := comment[i+1 : i+end]
				if n, err := strconv.Atoi(token); err == nil && n >= 1 && n <= len(args) {
					b.WriteString(args[n-1])
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(comment[i])
		i++
	}
	return b.String()
}
