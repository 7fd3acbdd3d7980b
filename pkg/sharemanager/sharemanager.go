// Package sharemanager implements the wallet-side ShareManager (spec §4.6):
// computing a new threshold for the current guardian set, splitting the DEK,
// and distributing GUARDIAN_SHARE_UPDATE to every guardian, plus the
// guardian-side handler that receives a share update and persists it.
//
// Grounded on the teacher's request/response correlation inside
// pkg/manager (Raft apply-and-wait), generalized here to a Mediator
// round trip: send a message, wait on a per-request channel for its
// GUARDIAN_SHARE_UPDATE_CONFIRM reply (matched by thid) or time out.
package sharemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/engine"
	"github.com/coralstack/coralkm/pkg/log"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/metrics"
	"github.com/coralstack/coralkm/pkg/random"
	"github.com/coralstack/coralkm/pkg/sss"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
)

// DefaultConfirmTimeout bounds how long Resplit waits for a single
// guardian's GUARDIAN_SHARE_UPDATE_CONFIRM before giving up on it.
const DefaultConfirmTimeout = 10 * time.Second

// Threshold computes the reconstruction threshold for n guardians per spec
// §4.6: at least 2, and otherwise half the guardians rounded up
// (ceil(n/2)).
func Threshold(n int) uint8 {
	t := (n + 1) / 2
	if t < 2 {
		t = 2
	}
	return uint8(t)
}

// ShareManager re-splits a wallet's DEK across its current guardian set and
// distributes the shares (spec §4.6).
type ShareManager struct {
	identity types.Identity
	mediator transport.Mediator
	rnd      random.Source
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]chan message.Message
}

// New builds a ShareManager acting as identity (typically the wallet's own
// identity, since it is the party initiating resplit).
func New(identity types.Identity, mediator transport.Mediator, rnd random.Source) *ShareManager {
	return &ShareManager{
		identity: identity,
		mediator: mediator,
		rnd:      rnd,
		timeout:  DefaultConfirmTimeout,
		log:      log.WithComponent("sharemanager"),
		pending:  make(map[uuid.UUID]chan message.Message),
	}
}

// WithTimeout overrides DefaultConfirmTimeout, for tests.
func (sm *ShareManager) WithTimeout(d time.Duration) *ShareManager {
	sm.timeout = d
	return sm
}

// HandleConfirm is registered against engine.ProtocolEngine for
// message.TypeGuardianShareUpdateConfirm; it hands the confirm to whichever
// in-flight Resplit call is waiting on its thid, if any.
func (sm *ShareManager) HandleConfirm(_ context.Context, msg message.Message) ([]message.Message, error) {
	if msg.Thid == nil {
		return nil, nil
	}
	sm.mu.Lock()
	ch, ok := sm.pending[*msg.Thid]
	sm.mu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil, nil
}

// Resplit computes a new threshold for guardians, splits dek accordingly,
// and sends each guardian its share. If fewer than two guardians are
// granted, it logs and returns nil without splitting (spec §4.6). Guardians
// that never confirm are logged and left as-is: spec §9 open question 6
// leaves partial-failure recovery for a later revision, so there is no
// rollback here.
func (sm *ShareManager) Resplit(ctx context.Context, namespace types.Namespace, guardians []types.Identity, dek [sss.DEKSize]byte) error {
	n := len(guardians)
	if n < 2 {
		sm.log.Warn().Int("guardians", n).Msg("insufficient guardians for resplit, skipping")
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResplitDuration)

	t := Threshold(n)
	shares, err := sss.Split(sm.rnd, dek, uint8(n), t)
	if err != nil {
		return fmt.Errorf("sharemanager: split: %w", err)
	}

	var wg sync.WaitGroup
	confirmed := make([]bool, n)

	for i, guardian := range guardians {
		req := message.New(message.TypeGuardianShareUpdate, sm.identity, guardian, message.Body{
			"namespace": namespace,
			"threshold": t,
			"share":     shares[i],
		})

		replyCh := make(chan message.Message, 1)
		sm.mu.Lock()
		sm.pending[req.ID] = replyCh
		sm.mu.Unlock()

		if err := sm.mediator.Send(ctx, req); err != nil {
			sm.log.Error().Err(err).Str("guardian", string(guardian)).Msg("failed to send share update")
			sm.forget(req.ID)
			continue
		}

		wg.Add(1)
		go func(idx int, reqID uuid.UUID, ch chan message.Message) {
			defer wg.Done()
			defer sm.forget(reqID)
			select {
			case <-ch:
				confirmed[idx] = true
			case <-time.After(sm.timeout):
			case <-ctx.Done():
			}
		}(i, req.ID, replyCh)
	}
	wg.Wait()

	count := 0
	for _, ok := range confirmed {
		if ok {
			count++
		}
	}
	sm.log.Info().Int("confirmed", count).Int("total", n).Uint8("threshold", t).Msg("resplit distribution complete")
	return nil
}

func (sm *ShareManager) forget(id uuid.UUID) {
	sm.mu.Lock()
	delete(sm.pending, id)
	sm.mu.Unlock()
}

// GuardianHandler returns the handler a guardian-role engine registers for
// message.TypeGuardianShareUpdate: it persists the share and replies with
// GUARDIAN_SHARE_UPDATE_CONFIRM, or reports ErrPolicyNotGranted if the
// sender does not hold Granted guardian policy. Unlike
// NAMESPACE_RECOVERY_REQUEST, spec §4.5's silent-drop anti-enumeration
// guard does not apply here: §4.4 names PolicyNotGranted as the Store
// invariant for save_share, and the taxonomy reserves the silent NotAGuardian
// code for the recovery path alone.
func GuardianHandler(identity types.Identity, guardianStore store.GuardianStore) engine.Handler {
	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		isGuardian, err := guardianStore.IsGuardian(ctx, msg.From)
		if err != nil {
			return nil, fmt.Errorf("sharemanager: check guardian policy: %w", err)
		}
		if !isGuardian {
			return nil, coralerr.ErrPolicyNotGranted
		}

		namespace, ok := msg.Body.Get("namespace")
		ns, nsOK := namespace.(types.Namespace)
		if !ok || !nsOK {
			return nil, fmt.Errorf("sharemanager: namespace field malformed: %w", coralerr.ErrInvalidArgument)
		}

		thresholdRaw, _ := msg.Body.Get("threshold")
		threshold, tOK := toUint8(thresholdRaw)
		if !tOK {
			return nil, fmt.Errorf("sharemanager: threshold field malformed: %w", coralerr.ErrInvalidArgument)
		}

		shareRaw, _ := msg.Body.Get("share")
		shareVal, shareOK := shareRaw.(sss.Share)
		if !shareOK {
			return nil, fmt.Errorf("sharemanager: share field malformed: %w", coralerr.ErrInvalidArgument)
		}

		// The full sss.Share (index, threshold, value, checksum) is kept as
		// JSON, not just its Value bytes: Combine needs the index to do
		// Lagrange interpolation and the checksum to detect corruption.
		wireShare, err := json.Marshal(shareVal)
		if err != nil {
			return nil, fmt.Errorf("sharemanager: marshal share: %w", err)
		}

		share := types.Share{
			Owner:     msg.From,
			Namespace: ns,
			Threshold: threshold,
			Share:     wireShare,
			UpdatedAt: time.Now(),
		}
		if err := guardianStore.SaveShare(ctx, share); err != nil {
			return nil, fmt.Errorf("sharemanager: save share: %w", err)
		}

		confirm := message.New(message.TypeGuardianShareUpdateConfirm, identity, msg.From, message.Body{}).WithThid(msg)
		return []message.Message{confirm}, nil
	}
}

func toUint8(v any) (uint8, bool) {
	switch n := v.(type) {
	case uint8:
		return n, true
	case int:
		return uint8(n), true
	case float64:
		return uint8(n), true
	default:
		return 0, false
	}
}
