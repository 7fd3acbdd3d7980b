package wallet

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coralstack/coralkm/pkg/clock"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/recovery"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newWallet(t *testing.T) (*WalletFacade, *transport.Broker) {
	t.Helper()
	broker := transport.NewBroker()
	wf, err := New("wallet-1", "gateway-1", broker, rand.Reader, clock.System{})
	require.NoError(t, err)
	return wf, broker
}

func TestRequestNamespaceSendsRequestToGateway(t *testing.T) {
	wf, broker := newWallet(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, unsub := broker.Subscribe(ctx, "gateway-1")
	defer unsub()

	id, err := wf.RequestNamespace(ctx)
	require.NoError(t, err)

	select {
	case msg := <-inbox:
		assert.Equal(t, message.TypeNamespaceRequest, msg.Type)
		assert.Equal(t, id, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("namespace request not sent")
	}
}

func TestHandleNamespaceGrantStoresNamespaceWithoutReplying(t *testing.T) {
	wf, _ := newWallet(t)

	namespace := types.Namespace{ID: uuid.New(), GatewayDID: "wallet-1"}
	grant := message.New(message.TypeNamespaceGrant, "gateway-1", "wallet-1", message.Body{
		"namespace": namespace,
	})

	replies, err := wf.HandleNamespaceGrant(context.Background(), grant)
	require.NoError(t, err)
	assert.Empty(t, replies)

	wf.mu.Lock()
	got := wf.namespace
	wf.mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, namespace, *got)
}

func TestHandleNamespaceDenyClearsPendingRequestWithoutReplying(t *testing.T) {
	wf, _ := newWallet(t)

	pending := uuid.New()
	wf.mu.Lock()
	wf.pendingNamespaceRequest = &pending
	wf.mu.Unlock()

	deny := message.New(message.TypeNamespaceDeny, "gateway-1", "wallet-1", message.Body{"reason": "no capacity"})
	replies, err := wf.HandleNamespaceDeny(context.Background(), deny)
	require.NoError(t, err)
	assert.Empty(t, replies)

	wf.mu.Lock()
	defer wf.mu.Unlock()
	assert.Nil(t, wf.pendingNamespaceRequest)
}

func TestHandleGuardianGrantAddsGuardianAndTriggersResplit(t *testing.T) {
	wf, broker := newWallet(t)

	namespace := types.Namespace{ID: uuid.New(), GatewayDID: "wallet-1"}
	wf.mu.Lock()
	wf.namespace = &namespace
	wf.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guardianInbox, unsubG := broker.Subscribe(ctx, "guardian-a")
	defer unsubG()
	gatewayInbox, unsubGW := broker.Subscribe(ctx, "gateway-1")
	defer unsubGW()

	grant := message.New(message.TypeGuardianGrant, "guardian-a", "wallet-1", message.Body{})
	replies, err := wf.HandleGuardianGrant(ctx, grant)
	require.NoError(t, err)
	assert.Empty(t, replies)

	assert.EqualValues(t, 1, wf.GuardianCount())

	// With a single granted guardian Resplit skips the split, so the lone
	// guardian receives no share; the backup sync still goes out.
	select {
	case msg := <-guardianInbox:
		assert.Failf(t, "resplit sent a share to the lone guardian", "got %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case msg := <-gatewayInbox:
		assert.Equal(t, message.TypeNamespaceSync, msg.Type)
		assert.Equal(t, "PUT", msg.Body.String("request"))
	case <-time.After(time.Second):
		t.Fatal("backup sync did not reach the gateway")
	}
}

func TestRemoveGuardianDropsMembershipAndSendsRemove(t *testing.T) {
	wf, broker := newWallet(t)

	namespace := types.Namespace{ID: uuid.New(), GatewayDID: "wallet-1"}
	wf.mu.Lock()
	wf.namespace = &namespace
	wf.guardians["guardian-a"] = true
	wf.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox, unsub := broker.Subscribe(ctx, "guardian-a")
	defer unsub()

	err := wf.RemoveGuardian(ctx, "guardian-a")
	require.NoError(t, err)
	assert.EqualValues(t, 0, wf.GuardianCount())

	select {
	case msg := <-inbox:
		assert.Equal(t, message.TypeGuardianRemove, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("guardian remove not sent")
	}
}

func TestRotateReplacesNamespaceID(t *testing.T) {
	wf, _ := newWallet(t)
	namespaceStore := store.NewMemoryNamespaceStore()
	defer namespaceStore.Close()

	ctx := context.Background()
	original, err := namespaceStore.CreateNamespace(ctx, "wallet-1")
	require.NoError(t, err)

	wf.mu.Lock()
	wf.namespace = &original
	wf.mu.Unlock()

	rotated, err := wf.Rotate(ctx, namespaceStore)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, rotated.ID)
	assert.Equal(t, original.GatewayDID, rotated.GatewayDID)
}

func TestHandleRestoredRepopulatesNamespaceAndGuardians(t *testing.T) {
	wf, _ := newWallet(t)

	namespace := types.Namespace{ID: uuid.New(), GatewayDID: "wallet-1"}
	backup := Backup{Guardians: []types.Identity{"guardian-a", "guardian-b"}}
	plaintext, err := json.Marshal(backup)
	require.NoError(t, err)

	wf.handleRestored(recovery.Result{Namespace: namespace, Plaintext: plaintext})

	wf.mu.Lock()
	defer wf.mu.Unlock()
	require.NotNil(t, wf.namespace)
	assert.Equal(t, namespace, *wf.namespace)
	assert.True(t, wf.guardians["guardian-a"])
	assert.True(t, wf.guardians["guardian-b"])
}

func TestGuardianCountReflectsMembership(t *testing.T) {
	wf, _ := newWallet(t)
	assert.Zero(t, wf.GuardianCount())

	wf.mu.Lock()
	wf.guardians["guardian-a"] = true
	wf.guardians["guardian-b"] = true
	wf.mu.Unlock()

	assert.EqualValues(t, 2, wf.GuardianCount())
}

func TestResplitAndSyncFailsWithoutNamespace(t *testing.T) {
	wf, _ := newWallet(t)
	err := wf.resplitAndSync(context.Background())
	assert.Error(t, err)
}
