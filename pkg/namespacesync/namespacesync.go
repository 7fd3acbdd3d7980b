// Package namespacesync implements the gateway-side NAMESPACE_SYNC PUT/GET
// flow and the wallet-side encrypt/decrypt around it (spec §4.8).
//
// Grounded on the teacher's pkg/storage.BoltStore read/write pair, adapted
// from a generic blob store into the namespace-keyed, AEAD-bound, SHA-256
// integrity-checked backup flow NAMESPACE_SYNC requires.
package namespacesync

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coralstack/coralkm/pkg/aead"
	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/engine"
	"github.com/coralstack/coralkm/pkg/log"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/metrics"
	"github.com/coralstack/coralkm/pkg/random"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/types"
)

// ProvisionHandler returns the handler a gateway-role engine registers for
// message.TypeNamespaceRequest (spec §4.5 "Namespace provisioning"): an
// absent policy defaults to Granted (spec §9 open question 3 flags this as
// demo-only), a Denied policy replies NAMESPACE_DENY, and anything else
// creates the namespace and replies NAMESPACE_GRANT threaded to the request.
func ProvisionHandler(identity types.Identity, namespaceStore store.NamespaceStore) engine.Handler {
	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		policy, err := namespaceStore.GetPolicy(ctx, msg.From)
		if err != nil && !errorsIsNotFound(err) {
			return nil, fmt.Errorf("namespacesync: get policy: %w", err)
		}

		if err == nil && policy.Status == types.PolicyDenied {
			reply := message.New(message.TypeNamespaceDeny, identity, msg.From, message.Body{
				"reason": "policy denied",
			}).WithThid(msg)
			return []message.Message{reply}, nil
		}

		namespace, err := namespaceStore.CreateNamespace(ctx, msg.From)
		if err != nil {
			return nil, fmt.Errorf("namespacesync: create namespace: %w", err)
		}

		reply := message.New(message.TypeNamespaceGrant, identity, msg.From, message.Body{
			"namespace": namespace,
		}).WithThid(msg)
		return []message.Message{reply}, nil
	}
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, coralerr.ErrNotFound) || errors.Is(err, coralerr.ErrNamespaceNotFound)
}

// GatewayHandler returns the handler a gateway-role engine registers for
// message.TypeNamespaceSync: it resolves the namespace (by owner, or by
// recovery_id when the GET carries one per spec §4.5's recovery-read path),
// persists or reads the backup blob, and replies with
// NAMESPACE_SYNC_RESPONSE.
func GatewayHandler(identity types.Identity, namespaceStore store.NamespaceStore) engine.Handler {
	handlerLog := log.WithComponent("namespacesync")

	return func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		op := msg.Body.String("request")
		metrics.NamespaceSyncTotal.WithLabelValues(op).Inc()

		switch op {
		case "PUT":
			return handlePut(ctx, identity, namespaceStore, msg, handlerLog)
		case "GET":
			return handleGet(ctx, identity, namespaceStore, msg)
		default:
			return nil, fmt.Errorf("namespacesync: unreachable request %q: %w", op, coralerr.ErrInvalidArgument)
		}
	}
}

func handlePut(ctx context.Context, identity types.Identity, namespaceStore store.NamespaceStore, msg message.Message, handlerLog zerolog.Logger) ([]message.Message, error) {
	namespace, err := namespaceStore.GetNamespaceByOwner(ctx, msg.From)
	if err != nil {
		return nil, fmt.Errorf("namespacesync: resolve namespace for %s: %w", msg.From, err)
	}

	dataRaw, _ := msg.Body.Get("data")
	data, ok := dataRaw.([]byte)
	if !ok {
		return nil, fmt.Errorf("namespacesync: data field malformed: %w", coralerr.ErrInvalidArgument)
	}

	hash, err := namespaceStore.SaveBackup(ctx, namespace, data)
	if err != nil {
		return nil, fmt.Errorf("namespacesync: save backup: %w", err)
	}
	handlerLog.Debug().Str("namespace", namespace.ID.String()).Int("bytes", len(data)).Msg("backup synced")

	reply := message.New(message.TypeNamespaceSyncResponse, identity, msg.From, message.Body{
		"request": "PUT",
		"hash":    hash,
	}).WithThid(msg)
	return []message.Message{reply}, nil
}

func handleGet(ctx context.Context, identity types.Identity, namespaceStore store.NamespaceStore, msg message.Message) ([]message.Message, error) {
	var namespace types.Namespace
	var err error

	if recoveryIDRaw, ok := msg.Body.Get("recovery_id"); ok {
		id, idOK := recoveryIDRaw.(string)
		if !idOK {
			return nil, fmt.Errorf("namespacesync: recovery_id field malformed: %w", coralerr.ErrInvalidArgument)
		}
		parsed, parseErr := uuid.Parse(id)
		if parseErr != nil {
			return nil, fmt.Errorf("namespacesync: recovery_id not a uuid: %w", coralerr.ErrInvalidArgument)
		}
		namespace, err = namespaceStore.GetNamespace(ctx, parsed)
	} else {
		namespace, err = namespaceStore.GetNamespaceByOwner(ctx, msg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("namespacesync: resolve namespace: %w", err)
	}

	backup, err := namespaceStore.GetBackup(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("namespacesync: get backup: %w", err)
	}

	reply := message.New(message.TypeNamespaceSyncResponse, identity, msg.From, message.Body{
		"request": "GET",
		"data":    backup.Data,
	}).WithThid(msg)
	return []message.Message{reply}, nil
}

// Seal encrypts plaintext under dek with namespace as the associated data
// (spec §4.8: the namespace object is the AAD binding the ciphertext to the
// wallet it belongs to).
func Seal(rnd random.Source, dek []byte, plaintext []byte, namespace types.Namespace) (*aead.Envelope, error) {
	return aead.Encrypt(rnd, dek, plaintext, namespace)
}

// Open decrypts env under dek, requiring it to have been sealed with
// namespace as AAD; a mismatch (including a different wallet's namespace)
// fails with coralerr.ErrAeadAadMismatch.
func Open(dek []byte, env *aead.Envelope, namespace types.Namespace) ([]byte, error) {
	return aead.Decrypt(dek, env, namespace)
}

// Sum256 computes the integrity hash NAMESPACE_SYNC_RESPONSE{PUT} carries,
// so the wallet side can verify it against the gateway's claimed hash.
func Sum256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
