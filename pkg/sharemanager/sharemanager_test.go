package sharemanager

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/sss"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/transport"
	"github.com/coralstack/coralkm/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDEK(t *testing.T) [sss.DEKSize]byte {
	t.Helper()
	var dek [sss.DEKSize]byte
	_, err := rand.Read(dek[:])
	require.NoError(t, err)
	return dek
}

func TestThreshold(t *testing.T) {
	assert.EqualValues(t, 2, Threshold(2))
	assert.EqualValues(t, 2, Threshold(3))
	assert.EqualValues(t, 3, Threshold(5))
	assert.EqualValues(t, 2, Threshold(1))
	assert.EqualValues(t, 2, Threshold(0))
}

func TestResplitSkipsWithFewerThanTwoGuardians(t *testing.T) {
	broker := transport.NewBroker()
	sm := New("wallet-1", broker, rand.Reader)

	err := sm.Resplit(context.Background(), types.Namespace{}, []types.Identity{"guardian-a"}, newDEK(t))
	assert.NoError(t, err)
}

func TestResplitSendsShareUpdateToEveryGuardian(t *testing.T) {
	broker := transport.NewBroker()
	sm := New("wallet-1", broker, rand.Reader).WithTimeout(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aInbox, unsubA := broker.Subscribe(ctx, "guardian-a")
	defer unsubA()
	bInbox, unsubB := broker.Subscribe(ctx, "guardian-b")
	defer unsubB()

	namespace := types.Namespace{GatewayDID: "gateway-1"}
	done := make(chan error, 1)
	go func() {
		done <- sm.Resplit(ctx, namespace, []types.Identity{"guardian-a", "guardian-b"}, newDEK(t))
	}()

	var received []message.Message
	for i := 0; i < 2; i++ {
		select {
		case msg := <-aInbox:
			received = append(received, msg)
		case msg := <-bInbox:
			received = append(received, msg)
		case <-time.After(time.Second):
			t.Fatal("did not receive share update")
		}
	}

	require.Len(t, received, 2)
	for _, msg := range received {
		assert.Equal(t, message.TypeGuardianShareUpdate, msg.Type)
		threshold, ok := msg.Body.Get("threshold")
		require.True(t, ok)
		assert.EqualValues(t, 2, threshold)
		share, ok := msg.Body.Get("share")
		require.True(t, ok)
		_, isShare := share.(sss.Share)
		assert.True(t, isShare)
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resplit did not return without confirms")
	}
}

func TestResplitCompletesOnceConfirmsArrive(t *testing.T) {
	broker := transport.NewBroker()
	sm := New("wallet-1", broker, rand.Reader).WithTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aInbox, unsubA := broker.Subscribe(ctx, "guardian-a")
	defer unsubA()
	bInbox, unsubB := broker.Subscribe(ctx, "guardian-b")
	defer unsubB()

	go func() {
		for {
			select {
			case msg := <-aInbox:
				confirm := message.New(message.TypeGuardianShareUpdateConfirm, "guardian-a", "wallet-1", message.Body{}).WithThid(msg)
				_ = broker.Send(ctx, confirm)
				sm.HandleConfirm(ctx, confirm)
			case msg := <-bInbox:
				confirm := message.New(message.TypeGuardianShareUpdateConfirm, "guardian-b", "wallet-1", message.Body{}).WithThid(msg)
				sm.HandleConfirm(ctx, confirm)
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	err := sm.Resplit(ctx, types.Namespace{GatewayDID: "gateway-1"}, []types.Identity{"guardian-a", "guardian-b"}, newDEK(t))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGuardianHandlerPersistsShareAndConfirms(t *testing.T) {
	guardianStore := store.NewMemoryGuardianStore()
	defer guardianStore.Close()

	ctx := context.Background()
	require.NoError(t, guardianStore.SetPolicy(ctx, types.GuardianPolicy{Requester: "wallet-1", Status: types.PolicyGranted}))

	handler := GuardianHandler("guardian-a", guardianStore)

	namespace := types.Namespace{GatewayDID: "wallet-1"}
	shareVal := sss.Share{Index: 1, Threshold: 2, Value: []byte("share-bytes")}
	req := message.New(message.TypeGuardianShareUpdate, "wallet-1", "guardian-a", message.Body{
		"namespace": namespace,
		"threshold": uint8(2),
		"share":     shareVal,
	})

	replies, err := handler(ctx, req)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, message.TypeGuardianShareUpdateConfirm, replies[0].Type)
	require.NotNil(t, replies[0].Thid)
	assert.Equal(t, req.ID, *replies[0].Thid)

	saved, err := guardianStore.GetShare(ctx, "wallet-1", namespace)
	require.NoError(t, err)
	var decoded sss.Share
	require.NoError(t, json.Unmarshal(saved.Share, &decoded))
	assert.Equal(t, shareVal, decoded)
	assert.EqualValues(t, 2, saved.Threshold)
}

func TestGuardianHandlerRejectsNonGuardian(t *testing.T) {
	guardianStore := store.NewMemoryGuardianStore()
	defer guardianStore.Close()

	handler := GuardianHandler("guardian-a", guardianStore)

	req := message.New(message.TypeGuardianShareUpdate, "wallet-1", "guardian-a", message.Body{
		"namespace": types.Namespace{},
		"threshold": uint8(2),
		"share":     sss.Share{},
	})

	_, err := handler(context.Background(), req)
	require.ErrorIs(t, err, coralerr.ErrPolicyNotGranted)
}
