// Package engine implements CoralKM's ProtocolEngine (spec §4.5): the
// role-parametric dispatcher that receives a Message, routes it to the
// handler registered for its type, and turns a handler error into either a
// wire problem-report reply or a silent drop.
//
// Grounded on the teacher's pkg/manager.WarrenFSM.Apply: a mutex-guarded
// dispatch keyed by a string discriminator (there, cmd.Op; here, msg.Type)
// that calls out to a per-operation function and returns its result.
// CoralKM generalizes the switch statement into a handler registry, because
// its handlers are implemented across several packages (namespacesync,
// sharemanager, recovery, wallet) rather than one store with one owner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/log"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/metrics"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
)

// Role is one of the three parties CoralKM's protocol defines. An engine may
// be configured with any non-empty subset, matching spec §4.5's "engine is
// role-parametric".
type Role string

const (
	RoleWallet   Role = "wallet"
	RoleGateway  Role = "gateway"
	RoleGuardian Role = "guardian"
)

// Handler processes one validated Message and returns the reply (or replies,
// for a fan-out like recovery release) to send back through the Mediator.
// A returned error other than coralerr.ErrNotAGuardian becomes a
// problem-report reply to msg's sender.
type Handler func(ctx context.Context, msg message.Message) ([]message.Message, error)

// ProtocolEngine dispatches inbound messages by type to registered handlers
// and delivers replies through a Mediator (spec §4.5).
type ProtocolEngine struct {
	identity types.Identity
	roles    map[Role]bool
	mediator transport.Mediator

	mu       sync.RWMutex
	handlers map[string]Handler

	log zerolog.Logger
}

// New builds a ProtocolEngine acting as identity over mediator, configured
// with roles. Handlers are registered afterward with RegisterHandler.
func New(identity types.Identity, mediator transport.Mediator, roles ...Role) *ProtocolEngine {
	roleSet := make(map[Role]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return &ProtocolEngine{
		identity: identity,
		roles:    roleSet,
		mediator: mediator,
		handlers: make(map[string]Handler),
		log:      log.WithComponent("engine"),
	}
}

// HasRole reports whether the engine was configured with r.
func (e *ProtocolEngine) HasRole(r Role) bool {
	return e.roles[r]
}

// RegisterHandler installs h as the handler for msgType, replacing any
// previous registration.
func (e *ProtocolEngine) RegisterHandler(msgType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[msgType] = h
}

func (e *ProtocolEngine) handlerFor(msgType string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[msgType]
	return h, ok
}

// Run subscribes to the Mediator under the engine's identity and handles
// messages until ctx is done.
func (e *ProtocolEngine) Run(ctx context.Context) error {
	inbox, unsubscribe := e.mediator.Subscribe(ctx, e.identity)
	defer unsubscribe()

	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			e.Handle(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle validates msg, dispatches it to the registered handler, and routes
// the result: replies are sent through the Mediator, a handler error becomes
// a problem-report reply (spec §4.3, §7) unless it is ErrNotAGuardian, which
// is dropped silently to avoid guardian enumeration (spec §4.5).
func (e *ProtocolEngine) Handle(ctx context.Context, msg message.Message) {
	role := e.dispatchRole()
	metrics.MessagesTotal.WithLabelValues(msg.Type, string(role)).Inc()

	if err := message.Validate(msg); err != nil {
		e.reportProblem(ctx, msg, err)
		return
	}

	handler, ok := e.handlerFor(msg.Type)
	if !ok {
		e.reportProblem(ctx, msg, fmt.Errorf("engine: no handler for %s: %w", msg.Type, coralerr.ErrInvalidRole))
		return
	}

	msgLog := log.ForMessage(msg)

	replies, err := handler(ctx, msg)
	if err != nil {
		if errors.Is(err, coralerr.ErrNotAGuardian) {
			msgLog.Debug().Msg("dropping message from non-guardian")
			return
		}
		e.reportProblem(ctx, msg, err)
		return
	}

	for _, reply := range replies {
		if sendErr := e.mediator.Send(ctx, reply); sendErr != nil {
			msgLog.Error().Err(sendErr).Str("reply_type", reply.Type).Msg("failed to send reply")
		}
	}
}

func (e *ProtocolEngine) reportProblem(ctx context.Context, offender message.Message, cause error) {
	code := coralerr.CodeForError(cause)
	metrics.ProblemReportsTotal.WithLabelValues(string(code)).Inc()

	reply := message.ProblemReport(e.identity, offender, code, cause.Error())
	if err := e.mediator.Send(ctx, reply); err != nil {
		e.log.Error().Err(err).Msg("failed to send problem report")
	}
}

// dispatchRole reports the role this engine is primarily acting under, for
// metric labeling only; an engine with more than one role reports the first
// match in wallet/gateway/guardian priority order.
func (e *ProtocolEngine) dispatchRole() Role {
	switch {
	case e.roles[RoleWallet]:
		return RoleWallet
	case e.roles[RoleGateway]:
		return RoleGateway
	case e.roles[RoleGuardian]:
		return RoleGuardian
	default:
		return ""
	}
}
