// Package guardianlifecycle implements the guardian-side handlers for the
// guardian admission and removal handshake of spec §4.5: GUARDIAN_REQUEST
// (a wallet asking an identity to become its guardian) and GUARDIAN_REMOVE
// (a wallet revoking a guardian, which drops every share it holds in one
// atomic step and leaves its policy Denied).
//
// Grounded the same way as namespacesync.ProvisionHandler: a policy lookup
// against the relevant Store, defaulting to Granted in this demo scope
// (spec §9 open question 3 applies symmetrically to guardian policy, not
// just namespace policy).
package guardianlifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/engine"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/types"
)

// RequestHandler returns the handler a guardian-role engine registers for
// message.TypeGuardianRequest: it consults requester's guardian policy,
// granting by default when none exists yet, and replies GUARDIAN_GRANT or
// GUARDIAN_DENY.
func RequestHandler(identity types.Identity, guardianStore store.GuardianStore) engine.Handler {
	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		policy, err := guardianStore.GetPolicy(ctx, msg.From)
		switch {
		case err == nil:
			// existing policy governs.
		case errors.Is(err, coralerr.ErrNotFound):
			policy = types.GuardianPolicy{Requester: msg.From, Status: types.PolicyGranted}
			if err := guardianStore.SetPolicy(ctx, policy); err != nil {
				return nil, fmt.Errorf("guardianlifecycle: default-grant policy: %w", err)
			}
		default:
			return nil, fmt.Errorf("guardianlifecycle: get policy: %w", err)
		}

		if policy.Status != types.PolicyGranted {
			deny := message.New(message.TypeGuardianDeny, identity, msg.From, message.Body{
				"reason": "guardian policy denied",
			}).WithThid(msg)
			return []message.Message{deny}, nil
		}

		grant := message.New(message.TypeGuardianGrant, identity, msg.From, message.Body{}).WithThid(msg)
		return []message.Message{grant}, nil
	}
}

// RemoveHandler returns the handler a guardian-role engine registers for
// message.TypeGuardianRemove: it deletes every share requester holds as one
// atomic store operation, records requester's policy as Denied, then
// confirms.
func RemoveHandler(identity types.Identity, guardianStore store.GuardianStore) engine.Handler {
	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		if err := guardianStore.RemoveGuardian(ctx, msg.From); err != nil {
			return nil, fmt.Errorf("guardianlifecycle: remove guardian: %w", err)
		}
		denied := types.GuardianPolicy{Requester: msg.From, Status: types.PolicyDenied}
		if err := guardianStore.SetPolicy(ctx, denied); err != nil {
			return nil, fmt.Errorf("guardianlifecycle: deny policy: %w", err)
		}

		confirm := message.New(message.TypeGuardianRemoveConfirm, identity, msg.From, message.Body{}).WithThid(msg)
		return []message.Message{confirm}, nil
	}
}
