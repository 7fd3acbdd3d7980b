package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHandleDispatchesToRegisteredHandler(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New("gateway-1", broker, RoleGateway)

	called := false
	e.RegisterHandler(message.TypeNamespaceRequest, func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		called = true
		return []message.Message{message.New(message.TypeNamespaceGrant, "gateway-1", msg.From, message.Body{"namespace": "ns-1"})}, nil
	})

	walletInbox, unsub := broker.Subscribe(ctx, "wallet-1")
	defer unsub()

	req := message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})
	e.Handle(ctx, req)

	assert.True(t, called)
	select {
	case reply := <-walletInbox:
		assert.Equal(t, message.TypeNamespaceGrant, reply.Type)
	case <-time.After(time.Second):
		t.Fatal("did not receive grant reply")
	}
}

func TestHandleUnknownTypeProducesProblemReport(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New("gateway-1", broker, RoleGateway)

	walletInbox, unsub := broker.Subscribe(ctx, "wallet-1")
	defer unsub()

	bad := message.New("https://coralstack.com/coralkm/0.1/not-real", "wallet-1", "gateway-1", message.Body{})
	e.Handle(ctx, bad)

	select {
	case reply := <-walletInbox:
		assert.Equal(t, message.TypeProblemReport, reply.Type)
		assert.Equal(t, string(coralerr.CodeUnsupportedMessageType), reply.Body.String("code"))
	case <-time.After(time.Second):
		t.Fatal("did not receive problem report")
	}
}

func TestHandleMissingHandlerForRoleProducesProblemReport(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New("gateway-1", broker, RoleGateway)

	walletInbox, unsub := broker.Subscribe(ctx, "wallet-1")
	defer unsub()

	req := message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})
	e.Handle(ctx, req)

	select {
	case reply := <-walletInbox:
		assert.Equal(t, message.TypeProblemReport, reply.Type)
		assert.Equal(t, string(coralerr.CodeInvalidRole), reply.Body.String("code"))
	case <-time.After(time.Second):
		t.Fatal("did not receive problem report")
	}
}

func TestHandleErrorBecomesProblemReport(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New("gateway-1", broker, RoleGateway)
	e.RegisterHandler(message.TypeNamespaceRequest, func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		return nil, fmt.Errorf("policy check: %w", coralerr.ErrPolicyNotGranted)
	})

	walletInbox, unsub := broker.Subscribe(ctx, "wallet-1")
	defer unsub()

	req := message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})
	e.Handle(ctx, req)

	select {
	case reply := <-walletInbox:
		assert.Equal(t, message.TypeProblemReport, reply.Type)
		assert.Equal(t, string(coralerr.CodePolicyNotGranted), reply.Body.String("code"))
		require.NotNil(t, reply.Pthid)
		assert.Equal(t, req.ID, *reply.Pthid)
	case <-time.After(time.Second):
		t.Fatal("did not receive problem report")
	}
}

func TestHandleNotAGuardianIsDroppedSilently(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := New("guardian-1", broker, RoleGuardian)
	e.RegisterHandler(message.TypeGuardianReleaseShare, func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		return nil, coralerr.ErrNotAGuardian
	})

	walletInbox, unsub := broker.Subscribe(ctx, "wallet-1")
	defer unsub()

	req := message.New(message.TypeGuardianReleaseShare, "wallet-1", "guardian-1", message.Body{"share": "x", "threshold": 2})
	e.Handle(ctx, req)

	select {
	case reply := <-walletInbox:
		t.Fatalf("expected no reply, got %+v", reply)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunHandlesUntilContextCancelled(t *testing.T) {
	broker := transport.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	e := New("gateway-1", broker, RoleGateway)
	handled := make(chan struct{}, 1)
	e.RegisterHandler(message.TypeNamespaceRequest, func(ctx context.Context, msg message.Message) ([]message.Message, error) {
		handled <- struct{}{}
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, broker.Send(context.Background(), message.New(message.TypeNamespaceRequest, "wallet-1", "gateway-1", message.Body{})))

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("engine did not handle message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
