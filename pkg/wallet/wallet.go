// Package wallet implements WalletFacade (spec §4's component table and §9
// "cross-role wiring"): the orchestrator a wallet role runs, owning the DEK
// and the local view of granted guardians, and wiring namespace
// provisioning, guardian lifecycle, resplit, and recovery into one thing a
// demo command can drive with a handful of method calls.
//
// Grounded on the teacher's pkg/manager.Manager: a facade holding the
// domain's mutable state behind a mutex, delegating cryptographic and
// storage work to narrower collaborators (there: Raft + BoltStore; here:
// ShareManager, RecoveryCoordinator, NamespaceStore) instead of doing it
// inline.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coralstack/coralkm/pkg/clock"
	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/engine"
	"github.com/coralstack/coralkm/pkg/log"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/namespacesync"
	"github.com/coralstack/coralkm/pkg/random"
	"github.com/coralstack/coralkm/pkg/recovery"
	"github.com/coralstack/coralkm/pkg/sharemanager"
	"github.com/coralstack/coralkm/pkg/sss"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
)

// Backup is the plaintext payload NamespaceSync encrypts and decrypts (spec
// §4.8: "a serialization of {identifiers, keys, shares}"). CoralKM's demo
// scope only needs the guardian set; a fuller wallet would add identifiers
// and any other local key material.
type Backup struct {
	Guardians []types.Identity `json:"guardians"`
}

// WalletFacade is the wallet-role orchestrator (spec component table,
// "Orchestrates above for a wallet role").
type WalletFacade struct {
	identity types.Identity
	gateway  types.Identity
	mediator transport.Mediator
	rnd      random.Source
	clk      clock.Clock
	log      zerolog.Logger

	shareManager *sharemanager.ShareManager
	recovery     *recovery.Coordinator

	// OnRecovered, if set, is invoked after a successful recovery ceremony
	// repopulates this wallet's local state. Demo/CLI use only; library
	// callers that need the namespace itself should read Namespace().
	OnRecovered func(Backup)

	mu                      sync.Mutex
	dek                     [sss.DEKSize]byte
	namespace               *types.Namespace
	guardians               map[types.Identity]bool
	pendingNamespaceRequest *uuid.UUID
	pendingGuardianRequests map[uuid.UUID]types.Identity
}

// New builds a WalletFacade acting as identity against gateway, generating
// a fresh DEK from rnd. The DEK never leaves this struct in plaintext; only
// its shares (via ShareManager) and its AEAD-sealed backup (via
// namespacesync.Seal) are ever sent out.
func New(identity, gateway types.Identity, mediator transport.Mediator, rnd random.Source, clk clock.Clock) (*WalletFacade, error) {
	dek, err := random.Bytes(rnd, sss.DEKSize)
	if err != nil {
		return nil, fmt.Errorf("wallet: generate dek: %w", err)
	}

	wf := &WalletFacade{
		identity:                identity,
		gateway:                 gateway,
		mediator:                mediator,
		rnd:                     rnd,
		clk:                     clk,
		log:                     log.WithIdentity(identity),
		shareManager:            sharemanager.New(identity, mediator, rnd),
		recovery:                recovery.New(identity, mediator, clk),
		guardians:               make(map[types.Identity]bool),
		pendingGuardianRequests: make(map[uuid.UUID]types.Identity),
	}
	copy(wf.dek[:], dek)
	wf.recovery.OnRestored = wf.handleRestored
	return wf, nil
}

// RegisterHandlers wires every handler WalletFacade owns into e, so that
// the wallet role only needs to call e.Run.
func (wf *WalletFacade) RegisterHandlers(e *engine.ProtocolEngine) {
	e.RegisterHandler(message.TypeNamespaceGrant, wf.HandleNamespaceGrant)
	e.RegisterHandler(message.TypeNamespaceDeny, wf.HandleNamespaceDeny)
	e.RegisterHandler(message.TypeNamespaceSyncResponse, wf.HandleSyncResponse)
	e.RegisterHandler(message.TypeGuardianGrant, wf.HandleGuardianGrant)
	e.RegisterHandler(message.TypeGuardianDeny, wf.HandleGuardianDeny)
	e.RegisterHandler(message.TypeGuardianRemoveConfirm, wf.HandleGuardianRemoveConfirm)
	e.RegisterHandler(message.TypeGuardianShareUpdateConfirm, wf.shareManager.HandleConfirm)
	e.RegisterHandler(message.TypeGuardianVerificationChallenge, wf.recovery.HandleChallenge)
	e.RegisterHandler(message.TypeGuardianReleaseShare, wf.recovery.HandleRelease)
}

// WithGuardianTTL overrides the lifetime a recovery ceremony's guardian
// requests carry, per the --guardian-ttl flag cmd/coralkmd exposes.
func (wf *WalletFacade) WithGuardianTTL(d time.Duration) *WalletFacade {
	wf.recovery.WithTTL(d)
	return wf
}

// GuardianCount implements metrics.Sampler so a Collector can set
// coralkm_guardians_total from the current membership on each tick.
func (wf *WalletFacade) GuardianCount() int {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return len(wf.guardians)
}

// RequestNamespace sends NAMESPACE_REQUEST to the gateway; the grant or
// deny arrives later through HandleNamespaceGrant/HandleNamespaceDeny.
func (wf *WalletFacade) RequestNamespace(ctx context.Context) (uuid.UUID, error) {
	req := message.New(message.TypeNamespaceRequest, wf.identity, wf.gateway, message.Body{})

	wf.mu.Lock()
	wf.pendingNamespaceRequest = &req.ID
	wf.mu.Unlock()

	if err := wf.mediator.Send(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("wallet: send namespace request: %w", err)
	}
	return req.ID, nil
}

// HandleNamespaceGrant decodes the granted namespace into local state; spec
// §4.5 requires no reply.
func (wf *WalletFacade) HandleNamespaceGrant(_ context.Context, msg message.Message) ([]message.Message, error) {
	namespaceRaw, ok := msg.Body.Get("namespace")
	namespace, ok2 := namespaceRaw.(types.Namespace)
	if !ok || !ok2 {
		return nil, fmt.Errorf("wallet: namespace-grant field malformed: %w", coralerr.ErrInvalidArgument)
	}

	wf.mu.Lock()
	wf.namespace = &namespace
	wf.pendingNamespaceRequest = nil
	wf.mu.Unlock()

	wf.log.Info().Str("namespace", namespace.ID.String()).Msg("namespace granted")
	return nil, nil
}

// HandleNamespaceDeny just logs; spec §4.5 requires no reply.
func (wf *WalletFacade) HandleNamespaceDeny(_ context.Context, msg message.Message) ([]message.Message, error) {
	wf.mu.Lock()
	wf.pendingNamespaceRequest = nil
	wf.mu.Unlock()
	wf.log.Warn().Str("reason", msg.Body.String("reason")).Msg("namespace request denied")
	return nil, nil
}

// HandleSyncResponse logs an ordinary backup PUT confirmation and otherwise
// delegates to recovery.Coordinator, since a GET response threaded to an
// in-flight recovery ceremony is its concern, not WalletFacade's. Both share
// one engine registration because ProtocolEngine allows only one handler
// per message type.
func (wf *WalletFacade) HandleSyncResponse(ctx context.Context, msg message.Message) ([]message.Message, error) {
	if msg.Body.String("request") == "PUT" {
		wf.log.Debug().Msg("backup synced")
		return nil, nil
	}
	return wf.recovery.HandleSyncResponse(ctx, msg)
}

// RequestGuardian sends GUARDIAN_REQUEST to candidate; the grant or deny
// arrives later through HandleGuardianGrant/HandleGuardianDeny.
func (wf *WalletFacade) RequestGuardian(ctx context.Context, candidate types.Identity) (uuid.UUID, error) {
	req := message.New(message.TypeGuardianRequest, wf.identity, candidate, message.Body{})

	wf.mu.Lock()
	wf.pendingGuardianRequests[req.ID] = candidate
	wf.mu.Unlock()

	if err := wf.mediator.Send(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("wallet: send guardian request: %w", err)
	}
	return req.ID, nil
}

// HandleGuardianGrant admits msg.From to the guardian set and triggers a
// resplit (spec §4.6's trigger: "any change in the set of granted
// guardians").
func (wf *WalletFacade) HandleGuardianGrant(ctx context.Context, msg message.Message) ([]message.Message, error) {
	wf.mu.Lock()
	if msg.Thid != nil {
		delete(wf.pendingGuardianRequests, *msg.Thid)
	}
	wf.guardians[msg.From] = true
	wf.mu.Unlock()

	wf.log.Info().Str("guardian", string(msg.From)).Msg("guardian granted")
	if err := wf.resplitAndSync(ctx); err != nil {
		wf.log.Error().Err(err).Msg("resplit after guardian grant failed")
	}
	return nil, nil
}

// HandleGuardianDeny just logs.
func (wf *WalletFacade) HandleGuardianDeny(_ context.Context, msg message.Message) ([]message.Message, error) {
	wf.mu.Lock()
	if msg.Thid != nil {
		delete(wf.pendingGuardianRequests, *msg.Thid)
	}
	wf.mu.Unlock()
	wf.log.Warn().Str("candidate", string(msg.From)).Str("reason", msg.Body.String("reason")).Msg("guardian request denied")
	return nil, nil
}

// HandleGuardianRemoveConfirm just logs.
func (wf *WalletFacade) HandleGuardianRemoveConfirm(_ context.Context, msg message.Message) ([]message.Message, error) {
	wf.log.Info().Str("guardian", string(msg.From)).Msg("guardian removal confirmed")
	return nil, nil
}

// RemoveGuardian sends GUARDIAN_REMOVE to guardian, drops it from the
// local membership view, and triggers a resplit across whoever remains.
func (wf *WalletFacade) RemoveGuardian(ctx context.Context, guardian types.Identity) error {
	wf.mu.Lock()
	delete(wf.guardians, guardian)
	wf.mu.Unlock()

	req := message.New(message.TypeGuardianRemove, wf.identity, guardian, message.Body{})
	if err := wf.mediator.Send(ctx, req); err != nil {
		return fmt.Errorf("wallet: send guardian remove: %w", err)
	}
	return wf.resplitAndSync(ctx)
}

func (wf *WalletFacade) resplitAndSync(ctx context.Context) error {
	wf.mu.Lock()
	namespace := wf.namespace
	guardians := make([]types.Identity, 0, len(wf.guardians))
	for g := range wf.guardians {
		guardians = append(guardians, g)
	}
	dek := wf.dek
	wf.mu.Unlock()

	if namespace == nil {
		return fmt.Errorf("wallet: no namespace provisioned yet: %w", coralerr.ErrInvalidArgument)
	}

	if err := wf.shareManager.Resplit(ctx, *namespace, guardians, dek); err != nil {
		return fmt.Errorf("wallet: resplit: %w", err)
	}
	return wf.syncBackup(ctx, *namespace, guardians)
}

func (wf *WalletFacade) syncBackup(ctx context.Context, namespace types.Namespace, guardians []types.Identity) error {
	plaintext, err := json.Marshal(Backup{Guardians: guardians})
	if err != nil {
		return fmt.Errorf("wallet: marshal backup: %w", err)
	}

	env, err := namespacesync.Seal(wf.rnd, wf.dek[:], plaintext, namespace)
	if err != nil {
		return fmt.Errorf("wallet: seal backup: %w", err)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wallet: marshal envelope: %w", err)
	}

	put := message.New(message.TypeNamespaceSync, wf.identity, wf.gateway, message.Body{
		"request": "PUT",
		"data":    envBytes,
	})
	if err := wf.mediator.Send(ctx, put); err != nil {
		return fmt.Errorf("wallet: send namespace sync: %w", err)
	}
	return nil
}

// Rotate swaps the wallet's namespace id for a fresh one, carrying the
// backup over. It operates directly on namespaceStore rather than over a
// wire message: spec §4.4 lists rotate_id as a NamespaceStore operation,
// not a §6 message type, so there is no protocol round trip to model —
// only the gateway operator (colocated with the store in this demo) can
// invoke it.
func (wf *WalletFacade) Rotate(ctx context.Context, namespaceStore store.NamespaceStore) (types.Namespace, error) {
	wf.mu.Lock()
	namespace := wf.namespace
	wf.mu.Unlock()
	if namespace == nil {
		return types.Namespace{}, fmt.Errorf("wallet: no namespace provisioned yet: %w", coralerr.ErrInvalidArgument)
	}

	rotated, err := namespaceStore.RotateNamespace(ctx, namespace.ID)
	if err != nil {
		return types.Namespace{}, fmt.Errorf("wallet: rotate namespace: %w", err)
	}

	wf.mu.Lock()
	wf.namespace = &rotated
	wf.mu.Unlock()
	return rotated, nil
}

// Recover starts a recovery ceremony for namespace against guardians,
// delegating to the embedded recovery.Coordinator.
func (wf *WalletFacade) Recover(ctx context.Context, guardians []types.Identity, namespace types.Namespace) (uuid.UUID, error) {
	return wf.recovery.Start(ctx, wf.gateway, guardians, namespace)
}

func (wf *WalletFacade) handleRestored(result recovery.Result) {
	var backup Backup
	if err := json.Unmarshal(result.Plaintext, &backup); err != nil {
		wf.log.Error().Err(err).Msg("restored backup is not a valid wallet backup")
		return
	}

	wf.mu.Lock()
	wf.namespace = &result.Namespace
	wf.guardians = make(map[types.Identity]bool, len(backup.Guardians))
	for _, g := range backup.Guardians {
		wf.guardians[g] = true
	}
	wf.mu.Unlock()

	wf.log.Info().Int("guardians", len(backup.Guardians)).Msg("wallet restored from recovery")
	if wf.OnRecovered != nil {
		wf.OnRecovered(backup)
	}
}

// Namespace returns the wallet's currently provisioned namespace, or nil if
// none has been granted yet.
func (wf *WalletFacade) Namespace() *types.Namespace {
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if wf.namespace == nil {
		return nil
	}
	ns := *wf.namespace
	return &ns
}
