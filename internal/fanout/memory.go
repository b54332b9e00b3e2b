package fanout

import (
	"context"
	"errors"
	"sync"
)

var ErrBrokerClosed = errors.New("fanout: broker closed")

// Hub is an in-process stand-in for a shared broker. Every MemoryBroker
// attached to the same hub behaves like a separate relay instance.
type Hub struct {
	mu      sync.Mutex
	brokers map[*MemoryBroker]struct{}
}

func NewHub() *Hub {
	return &Hub{brokers: make(map[*MemoryBroker]struct{})}
}

type MemoryBroker struct {
	hub    *Hub
	topics map[string]struct{} // guarded by hub.mu
	out    chan Envelope
	closed bool // guarded by hub.mu
}

func (h *Hub) NewBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &MemoryBroker{
		hub:    h,
		topics: make(map[string]struct{}),
		out:    make(chan Envelope, buffer),
	}
	h.mu.Lock()
	h.brokers[b] = struct{}{}
	h.mu.Unlock()
	return b
}

// Publish delivers to every attached broker subscribed to topic. Delivery
// happens under the hub lock so all listeners observe one global order.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for peer := range b.hub.brokers {
		if _, ok := peer.topics[topic]; !ok {
			continue
		}
		env := Envelope{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case peer.out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topics ...string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, t := range topics {
		b.topics[t] = struct{}{}
	}
	return nil
}

func (b *MemoryBroker) Unsubscribe(_ context.Context, topics ...string) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	for _, t := range topics {
		delete(b.topics, t)
	}
	return nil
}

func (b *MemoryBroker) Messages() <-chan Envelope { return b.out }

func (b *MemoryBroker) Ping(context.Context) error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	delete(b.hub.brokers, b)
	close(b.out)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
