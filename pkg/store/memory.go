package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/types"
)

// MemoryNamespaceStore is an in-memory NamespaceStore, used by tests.
type MemoryNamespaceStore struct {
	mu         sync.RWMutex
	policies   map[types.Identity]types.NamespacePolicy
	namespaces map[uuid.UUID]types.Namespace
	byOwner    map[types.Identity]uuid.UUID
	backups    map[uuid.UUID]types.BackupBlob
}

// NewMemoryNamespaceStore returns an empty MemoryNamespaceStore.
func NewMemoryNamespaceStore() *MemoryNamespaceStore {
	return &MemoryNamespaceStore{
		policies:   make(map[types.Identity]types.NamespacePolicy),
		namespaces: make(map[uuid.UUID]types.Namespace),
		byOwner:    make(map[types.Identity]uuid.UUID),
		backups:    make(map[uuid.UUID]types.BackupBlob),
	}
}

func (s *MemoryNamespaceStore) GetPolicy(_ context.Context, requester types.Identity) (types.NamespacePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[requester]
	if !ok {
		return types.NamespacePolicy{}, fmt.Errorf("store: no policy for %s: %w", requester, coralerr.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryNamespaceStore) SetPolicy(_ context.Context, policy types.NamespacePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.Requester] = policy
	return nil
}

func (s *MemoryNamespaceStore) RemovePolicy(_ context.Context, requester types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, requester)
	return nil
}

func (s *MemoryNamespaceStore) CreateNamespace(_ context.Context, owner types.Identity) (types.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := types.Namespace{ID: uuid.New(), GatewayDID: owner}
	s.namespaces[ns.ID] = ns
	s.byOwner[owner] = ns.ID
	return ns, nil
}

func (s *MemoryNamespaceStore) GetNamespace(_ context.Context, id uuid.UUID) (types.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[id]
	if !ok {
		return types.Namespace{}, fmt.Errorf("store: namespace %s: %w", id, coralerr.ErrNamespaceNotFound)
	}
	return ns, nil
}

func (s *MemoryNamespaceStore) GetNamespaceByOwner(_ context.Context, owner types.Identity) (types.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[owner]
	if !ok {
		return types.Namespace{}, fmt.Errorf("store: no namespace for owner %s: %w", owner, coralerr.ErrNamespaceNotFound)
	}
	return s.namespaces[id], nil
}

func (s *MemoryNamespaceStore) RotateNamespace(_ context.Context, id uuid.UUID) (types.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.namespaces[id]
	if !ok {
		return types.Namespace{}, fmt.Errorf("store: namespace %s: %w", id, coralerr.ErrNamespaceNotFound)
	}

	delete(s.namespaces, id)
	rotated := types.Namespace{ID: uuid.New(), GatewayDID: old.GatewayDID}
	s.namespaces[rotated.ID] = rotated
	s.byOwner[rotated.GatewayDID] = rotated.ID

	if blob, ok := s.backups[id]; ok {
		delete(s.backups, id)
		s.backups[rotated.ID] = blob
	}
	return rotated, nil
}

func (s *MemoryNamespaceStore) SaveBackup(_ context.Context, namespace types.Namespace, data []byte) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := sha256.Sum256(data)
	now := time.Now()
	s.backups[namespace.ID] = types.BackupBlob{Data: data, SyncedAt: &now, Hash: hash}
	return hash, nil
}

func (s *MemoryNamespaceStore) GetBackup(_ context.Context, namespace types.Namespace) (types.BackupBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.backups[namespace.ID]
	if !ok {
		return types.BackupBlob{}, fmt.Errorf("store: no backup for namespace %s: %w", namespace.ID, coralerr.ErrNotFound)
	}
	return blob, nil
}

func (s *MemoryNamespaceStore) DeleteNamespace(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[id]
	if ok {
		delete(s.byOwner, ns.GatewayDID)
	}
	delete(s.namespaces, id)
	delete(s.backups, id)
	return nil
}

func (s *MemoryNamespaceStore) Close() error { return nil }

// MemoryGuardianStore is an in-memory GuardianStore, used by tests.
type MemoryGuardianStore struct {
	mu       sync.RWMutex
	policies map[types.Identity]types.GuardianPolicy
	shares   map[string]types.Share
	requests map[uuid.UUID]types.RecoveryRequest
}

// NewMemoryGuardianStore returns an empty MemoryGuardianStore.
func NewMemoryGuardianStore() *MemoryGuardianStore {
	return &MemoryGuardianStore{
		policies: make(map[types.Identity]types.GuardianPolicy),
		shares:   make(map[string]types.Share),
		requests: make(map[uuid.UUID]types.RecoveryRequest),
	}
}

func (s *MemoryGuardianStore) GetPolicy(_ context.Context, requester types.Identity) (types.GuardianPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[requester]
	if !ok {
		return types.GuardianPolicy{}, fmt.Errorf("store: no policy for %s: %w", requester, coralerr.ErrNotFound)
	}
	return p, nil
}

func (s *MemoryGuardianStore) SetPolicy(_ context.Context, policy types.GuardianPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.Requester] = policy
	return nil
}

func (s *MemoryGuardianStore) RemoveGuardian(_ context.Context, requester types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, requester)
	for key, share := range s.shares {
		if share.Owner == requester {
			delete(s.shares, key)
		}
	}
	return nil
}

func (s *MemoryGuardianStore) IsGuardian(_ context.Context, requester types.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[requester]
	return ok && p.Status == types.PolicyGranted, nil
}

// SaveShare enforces spec §4.4's invariant that a share may only be held for
// an owner with Granted guardian policy.
func (s *MemoryGuardianStore) SaveShare(_ context.Context, share types.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[share.Owner]
	if !ok || policy.Status != types.PolicyGranted {
		return fmt.Errorf("store: save share for %s: %w", share.Owner, coralerr.ErrPolicyNotGranted)
	}
	s.shares[shareKey(share.Owner, share.Namespace)] = share
	return nil
}

func (s *MemoryGuardianStore) GetShare(_ context.Context, owner types.Identity, namespace types.Namespace) (types.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.shares[shareKey(owner, namespace)]
	if !ok {
		return types.Share{}, fmt.Errorf("store: no share for %s/%s: %w", owner, namespace.ID, coralerr.ErrNotFound)
	}
	return share, nil
}

func (s *MemoryGuardianStore) ListShares(_ context.Context, owner types.Identity) ([]types.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Share
	for _, share := range s.shares {
		if share.Owner == owner {
			out = append(out, share)
		}
	}
	return out, nil
}

func (s *MemoryGuardianStore) DeleteShare(_ context.Context, owner types.Identity, namespace types.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, shareKey(owner, namespace))
	return nil
}

func (s *MemoryGuardianStore) SaveRecoveryRequest(_ context.Context, req types.RecoveryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *MemoryGuardianStore) GetRecoveryRequest(_ context.Context, id uuid.UUID) (types.RecoveryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return types.RecoveryRequest{}, fmt.Errorf("store: recovery request %s: %w", id, coralerr.ErrNotFound)
	}
	return req, nil
}

func (s *MemoryGuardianStore) DeleteRecoveryRequest(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

func (s *MemoryGuardianStore) Close() error { return nil }
