// Package transport is the Mediator capability spec §9 requires every
// component to be injected with: something that delivers a Message from one
// role to another without the caller knowing whether the recipient lives in
// the same process, across a network, or in a test double.
//
// Grounded on the teacher's pkg/events broker: a subscriber-map guarded by a
// mutex, buffered per-subscriber channels, and a non-blocking publish loop.
// CoralKM generalizes that fan-out-to-everyone broker into point-to-point (and
// explicit-fan-out, for recovery broadcasts) delivery addressed by
// types.Identity, keyed off Message.To instead of a single implicit topic.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/types"
)

// Mediator delivers messages between identities. Implementations must be
// safe for concurrent use.
type Mediator interface {
	// Send delivers msg to every identity in msg.To. It returns once the
	// message has been accepted for delivery, not once a handler has
	// processed it — CoralKM's protocol is asynchronous (spec §4.3).
	Send(ctx context.Context, msg message.Message) error

	// Subscribe registers identity to receive messages addressed to it.
	// The returned channel is closed, and the subscription removed, when
	// the returned cancel func is called or ctx is done.
	Subscribe(ctx context.Context, identity types.Identity) (<-chan message.Message, func())
}

// Broker is an in-memory Mediator, the reference implementation used by
// CoralKM's own tests and demo command. It never crosses a process boundary;
// spec §9 leaves real transport out of scope and expects callers to supply
// their own Mediator for production deployments.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[types.Identity]map[chan message.Message]struct{}
}

// NewBroker returns an empty, ready-to-use Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[types.Identity]map[chan message.Message]struct{}),
	}
}

// bufferSize is the per-subscriber channel depth. A slow subscriber that
// falls this far behind drops messages rather than blocking Send, matching
// the teacher's non-blocking-publish trade-off.
const bufferSize = 64

func (b *Broker) Subscribe(ctx context.Context, identity types.Identity) (<-chan message.Message, func()) {
	ch := make(chan message.Message, bufferSize)

	b.mu.Lock()
	subs, ok := b.subscribers[identity]
	if !ok {
		subs = make(map[chan message.Message]struct{})
		b.subscribers[identity] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.remove(identity, ch)
		})
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}

	return ch, cancel
}

func (b *Broker) remove(identity types.Identity, ch chan message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[identity]
	if !ok {
		return
	}
	if _, present := subs[ch]; !present {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, identity)
	}
}

// Send fans msg out to every channel currently subscribed under any identity
// in msg.To. A recipient with no subscriber simply receives nothing — the
// protocol layer (pkg/engine) decides whether that's an error.
func (b *Broker) Send(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, to := range msg.To {
		for ch := range b.subscribers[to] {
			select {
			case ch <- msg:
			default:
				// subscriber buffer full, drop rather than block Send
			}
		}
	}
	return nil
}
