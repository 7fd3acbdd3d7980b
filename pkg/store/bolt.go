package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/types"
)

var (
	bucketNamespacePolicies = []byte("namespace_policies")
	bucketNamespaces        = []byte("namespaces")
	bucketBackups           = []byte("namespace_backups")
	bucketGuardianPolicies  = []byte("guardian_policies")
	bucketGuardianShares    = []byte("guardian_shares")
	bucketRecoveryRequests  = []byte("recovery_requests")
)

// BoltNamespaceStore is a NamespaceStore backed by a BoltDB file, grounded on
// the teacher's BoltStore: one bucket per entity, JSON-marshaled values keyed
// by id.
type BoltNamespaceStore struct {
	db *bolt.DB
}

// NewBoltNamespaceStore opens (creating if absent) a BoltDB file under
// dataDir for namespace-side state.
func NewBoltNamespaceStore(dataDir string) (*BoltNamespaceStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "coralkm-namespace.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open namespace db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNamespacePolicies, bucketNamespaces, bucketBackups} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltNamespaceStore{db: db}, nil
}

func (s *BoltNamespaceStore) Close() error { return s.db.Close() }

func (s *BoltNamespaceStore) GetPolicy(_ context.Context, requester types.Identity) (types.NamespacePolicy, error) {
	var policy types.NamespacePolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespacePolicies).Get([]byte(requester))
		if data == nil {
			return fmt.Errorf("store: no policy for %s: %w", requester, coralerr.ErrNotFound)
		}
		return json.Unmarshal(data, &policy)
	})
	return policy, err
}

func (s *BoltNamespaceStore) SetPolicy(_ context.Context, policy types.NamespacePolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNamespacePolicies).Put([]byte(policy.Requester), data)
	})
}

func (s *BoltNamespaceStore) RemovePolicy(_ context.Context, requester types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespacePolicies).Delete([]byte(requester))
	})
}

func (s *BoltNamespaceStore) CreateNamespace(_ context.Context, owner types.Identity) (types.Namespace, error) {
	ns := types.Namespace{ID: uuid.New(), GatewayDID: owner}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putNamespace(tx, ns)
	})
	return ns, err
}

func putNamespace(tx *bolt.Tx, ns types.Namespace) error {
	data, err := json.Marshal(ns)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNamespaces).Put([]byte(ns.ID.String()), data)
}

func (s *BoltNamespaceStore) GetNamespace(_ context.Context, id uuid.UUID) (types.Namespace, error) {
	var ns types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("store: namespace %s: %w", id, coralerr.ErrNamespaceNotFound)
		}
		return json.Unmarshal(data, &ns)
	})
	return ns, err
}

func (s *BoltNamespaceStore) GetNamespaceByOwner(_ context.Context, owner types.Identity) (types.Namespace, error) {
	var found *types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNamespaces).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			if ns.GatewayDID == owner {
				found = &ns
				return nil
			}
		}
		return nil
	})
	if err == nil && found == nil {
		return types.Namespace{}, fmt.Errorf("store: no namespace for owner %s: %w", owner, coralerr.ErrNamespaceNotFound)
	}
	if err != nil {
		return types.Namespace{}, err
	}
	return *found, nil
}

func (s *BoltNamespaceStore) RotateNamespace(_ context.Context, id uuid.UUID) (types.Namespace, error) {
	var rotated types.Namespace
	err := s.db.Update(func(tx *bolt.Tx) error {
		nsBucket := tx.Bucket(bucketNamespaces)
		data := nsBucket.Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("store: namespace %s: %w", id, coralerr.ErrNamespaceNotFound)
		}
		var old types.Namespace
		if err := json.Unmarshal(data, &old); err != nil {
			return err
		}

		rotated = types.Namespace{ID: uuid.New(), GatewayDID: old.GatewayDID}
		if err := nsBucket.Delete([]byte(id.String())); err != nil {
			return err
		}
		if err := putNamespace(tx, rotated); err != nil {
			return err
		}

		backups := tx.Bucket(bucketBackups)
		if blob := backups.Get([]byte(id.String())); blob != nil {
			if err := backups.Put([]byte(rotated.ID.String()), blob); err != nil {
				return err
			}
			if err := backups.Delete([]byte(id.String())); err != nil {
				return err
			}
		}
		return nil
	})
	return rotated, err
}

func (s *BoltNamespaceStore) SaveBackup(_ context.Context, namespace types.Namespace, data []byte) ([32]byte, error) {
	hash := sha256.Sum256(data)
	now := time.Now()
	blob := types.BackupBlob{Data: data, SyncedAt: &now, Hash: hash}

	err := s.db.Update(func(tx *bolt.Tx) error {
		encoded, err := json.Marshal(blob)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBackups).Put([]byte(namespace.ID.String()), encoded)
	})
	return hash, err
}

func (s *BoltNamespaceStore) GetBackup(_ context.Context, namespace types.Namespace) (types.BackupBlob, error) {
	var blob types.BackupBlob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(namespace.ID.String()))
		if data == nil {
			return fmt.Errorf("store: no backup for namespace %s: %w", namespace.ID, coralerr.ErrNotFound)
		}
		return json.Unmarshal(data, &blob)
	})
	return blob, err
}

func (s *BoltNamespaceStore) DeleteNamespace(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNamespaces).Delete([]byte(id.String())); err != nil {
			return err
		}
		return tx.Bucket(bucketBackups).Delete([]byte(id.String()))
	})
}

// BoltGuardianStore is a GuardianStore backed by a BoltDB file.
type BoltGuardianStore struct {
	db *bolt.DB
}

// NewBoltGuardianStore opens (creating if absent) a BoltDB file under
// dataDir for guardian-side state.
func NewBoltGuardianStore(dataDir string) (*BoltGuardianStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "coralkm-guardian.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open guardian db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGuardianPolicies, bucketGuardianShares, bucketRecoveryRequests} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltGuardianStore{db: db}, nil
}

func (s *BoltGuardianStore) Close() error { return s.db.Close() }

func (s *BoltGuardianStore) GetPolicy(_ context.Context, requester types.Identity) (types.GuardianPolicy, error) {
	var policy types.GuardianPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGuardianPolicies).Get([]byte(requester))
		if data == nil {
			return fmt.Errorf("store: no policy for %s: %w", requester, coralerr.ErrNotFound)
		}
		return json.Unmarshal(data, &policy)
	})
	return policy, err
}

func (s *BoltGuardianStore) SetPolicy(_ context.Context, policy types.GuardianPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGuardianPolicies).Put([]byte(policy.Requester), data)
	})
}

// RemoveGuardian deletes requester's policy and every share keyed to it in a
// single transaction, per spec §7's GuardianRemove transactionality.
func (s *BoltGuardianStore) RemoveGuardian(_ context.Context, requester types.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		policies := tx.Bucket(bucketGuardianPolicies)
		if err := policies.Delete([]byte(requester)); err != nil {
			return err
		}

		shares := tx.Bucket(bucketGuardianShares)
		c := shares.Cursor()
		var staleKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var share types.Share
			if err := json.Unmarshal(v, &share); err != nil {
				return err
			}
			if share.Owner == requester {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range staleKeys {
			if err := shares.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltGuardianStore) IsGuardian(_ context.Context, requester types.Identity) (bool, error) {
	policy, err := s.GetPolicy(context.Background(), requester)
	if err != nil {
		return false, nil
	}
	return policy.Status == types.PolicyGranted, nil
}

// SaveShare enforces spec §4.4's invariant that a share may only be held for
// an owner with Granted guardian policy.
func (s *BoltGuardianStore) SaveShare(_ context.Context, share types.Share) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		policyData := tx.Bucket(bucketGuardianPolicies).Get([]byte(share.Owner))
		if policyData == nil {
			return fmt.Errorf("store: save share for %s: %w", share.Owner, coralerr.ErrPolicyNotGranted)
		}
		var policy types.GuardianPolicy
		if err := json.Unmarshal(policyData, &policy); err != nil {
			return err
		}
		if policy.Status != types.PolicyGranted {
			return fmt.Errorf("store: save share for %s: %w", share.Owner, coralerr.ErrPolicyNotGranted)
		}

		data, err := json.Marshal(share)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGuardianShares).Put([]byte(shareKey(share.Owner, share.Namespace)), data)
	})
}

func (s *BoltGuardianStore) GetShare(_ context.Context, owner types.Identity, namespace types.Namespace) (types.Share, error) {
	var share types.Share
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGuardianShares).Get([]byte(shareKey(owner, namespace)))
		if data == nil {
			return fmt.Errorf("store: no share for %s/%s: %w", owner, namespace.ID, coralerr.ErrNotFound)
		}
		return json.Unmarshal(data, &share)
	})
	return share, err
}

func (s *BoltGuardianStore) ListShares(_ context.Context, owner types.Identity) ([]types.Share, error) {
	var out []types.Share
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGuardianShares).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var share types.Share
			if err := json.Unmarshal(v, &share); err != nil {
				return err
			}
			if share.Owner == owner {
				out = append(out, share)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltGuardianStore) DeleteShare(_ context.Context, owner types.Identity, namespace types.Namespace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGuardianShares).Delete([]byte(shareKey(owner, namespace)))
	})
}

func (s *BoltGuardianStore) SaveRecoveryRequest(_ context.Context, req types.RecoveryRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecoveryRequests).Put([]byte(req.ID.String()), data)
	})
}

func (s *BoltGuardianStore) GetRecoveryRequest(_ context.Context, id uuid.UUID) (types.RecoveryRequest, error) {
	var req types.RecoveryRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecoveryRequests).Get([]byte(id.String()))
		if data == nil {
			return fmt.Errorf("store: recovery request %s: %w", id, coralerr.ErrNotFound)
		}
		return json.Unmarshal(data, &req)
	})
	return req, err
}

func (s *BoltGuardianStore) DeleteRecoveryRequest(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecoveryRequests).Delete([]byte(id.String()))
	})
}
