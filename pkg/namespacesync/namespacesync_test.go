package namespacesync

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/store"
	"github.com/coralstack/coralkm/pkg/types"
)

func TestProvisionHandlerGrantsByDefault(t *testing.T) {
	ns := store.NewMemoryNamespaceStore()
	defer ns.Close()

	handler := ProvisionHandler("gateway-1", ns)
	req := message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})

	replies, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, message.TypeNamespaceGrant, replies[0].Type)
	require.NotNil(t, replies[0].Thid)
	assert.Equal(t, req.ID, *replies[0].Thid)

	namespace, ok := replies[0].Body.Get("namespace")
	require.True(t, ok)
	assert.Equal(t, "wallet-1", string(namespace.(types.Namespace).GatewayDID))
}

func TestProvisionHandlerDeniesWhenPolicyDenied(t *testing.T) {
	ns := store.NewMemoryNamespaceStore()
	defer ns.Close()
	require.NoError(t, ns.SetPolicy(context.Background(), types.NamespacePolicy{Requester: "wallet-1", Status: types.PolicyDenied}))

	handler := ProvisionHandler("gateway-1", ns)
	req := message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})

	replies, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, message.TypeNamespaceDeny, replies[0].Type)
}

func TestGatewayHandlerPutThenGetRoundTrips(t *testing.T) {
	ns := store.NewMemoryNamespaceStore()
	defer ns.Close()
	ctx := context.Background()

	namespace, err := ns.CreateNamespace(ctx, "wallet-1")
	require.NoError(t, err)

	handler := GatewayHandler("gateway-1", ns)
	data := []byte("encrypted-backup-bytes")

	putMsg := message.New(message.TypeNamespaceSync, "wallet-1", "gateway-1", message.Body{
		"request": "PUT",
		"data":    data,
	})
	putReplies, err := handler(ctx, putMsg)
	require.NoError(t, err)
	require.Len(t, putReplies, 1)
	gotHash, ok := putReplies[0].Body.Get("hash")
	require.True(t, ok)
	assert.Equal(t, Sum256(data), gotHash)

	getMsg := message.New(message.TypeNamespaceSync, "wallet-1", "gateway-1", message.Body{"request": "GET"})
	getReplies, err := handler(ctx, getMsg)
	require.NoError(t, err)
	require.Len(t, getReplies, 1)
	gotData, ok := getReplies[0].Body.Get("data")
	require.True(t, ok)
	assert.Equal(t, data, gotData)

	_ = namespace
}

func TestGatewayHandlerGetByRecoveryID(t *testing.T) {
	ns := store.NewMemoryNamespaceStore()
	defer ns.Close()
	ctx := context.Background()

	namespace, err := ns.CreateNamespace(ctx, "wallet-1")
	require.NoError(t, err)
	data := []byte("backup")
	_, err = ns.SaveBackup(ctx, namespace, data)
	require.NoError(t, err)

	handler := GatewayHandler("gateway-1", ns)
	getMsg := message.New(message.TypeNamespaceSync, "recovering-device", "gateway-1", message.Body{
		"request":     "GET",
		"recovery_id": namespace.ID.String(),
	})
	replies, err := handler(ctx, getMsg)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	gotData, ok := replies[0].Body.Get("data")
	require.True(t, ok)
	assert.Equal(t, data, gotData)
}

func TestGatewayHandlerGetUnknownNamespaceErrors(t *testing.T) {
	ns := store.NewMemoryNamespaceStore()
	defer ns.Close()

	handler := GatewayHandler("gateway-1", ns)
	req := message.New(message.TypeNamespaceSync, "wallet-unknown", "gateway-1", message.Body{"request": "GET"})
	_, err := handler(context.Background(), req)
	require.Error(t, err)
}

func TestSealOpenRoundTripsWithNamespaceAAD(t *testing.T) {
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	namespace := types.Namespace{GatewayDID: "gateway-1"}
	plaintext := []byte(`{"x":1}`)

	env, err := Seal(rand.Reader, key[:], plaintext, namespace)
	require.NoError(t, err)

	got, err := Open(key[:], env, namespace)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	otherNamespace := types.Namespace{GatewayDID: "gateway-2"}
	_, err = Open(key[:], env, otherNamespace)
	require.ErrorIs(t, err, coralerr.ErrAeadAadMismatch)
}
