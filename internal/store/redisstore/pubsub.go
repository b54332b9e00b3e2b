package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/chat-relay/internal/fanout"
)

const channelSize = 1024

var ErrClosed = errors.New("redisstore: broker closed")

// Broker is a fanout.Broker over Redis pub/sub. Each instance owns one
// subscriber connection; topics are added and removed as rooms gain their
// first and lose their last local member.
type Broker struct {
	client *redis.Client
	ps     *redis.PubSub
	out    chan fanout.Envelope
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ fanout.Broker = (*Broker)(nil)

// NewBroker does not take ownership of client.
func NewBroker(ctx context.Context, client *redis.Client) *Broker {
	return newBroker(ctx, client, channelSize)
}

func newBroker(ctx context.Context, client *redis.Client, size int) *Broker {
	b := &Broker{
		client: client,
		ps:     client.Subscribe(ctx),
		out:    make(chan fanout.Envelope, size),
		done:   make(chan struct{}),
	}
	in := b.ps.Channel(redis.WithChannelSize(channelSize))
	go func() {
		defer close(b.out)
		for m := range in {
			select {
			case b.out <- fanout.Envelope{Topic: m.Channel, Payload: []byte(m.Payload)}:
			case <-b.done:
				return
			}
		}
	}()
	return b
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redisstore: publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topics ...string) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.ps.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("redisstore: subscribe: %w", err)
	}
	return nil
}

func (b *Broker) Unsubscribe(ctx context.Context, topics ...string) error {
	if b.isClosed() {
		return nil
	}
	if err := b.ps.Unsubscribe(ctx, topics...); err != nil {
		return fmt.Errorf("redisstore: unsubscribe: %w", err)
	}
	return nil
}

func (b *Broker) Messages() <-chan fanout.Envelope { return b.out }

func (b *Broker) Ping(ctx context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Ping(ctx).Err()
}

// Close ends the subscription and closes Messages, also when nobody is
// reading it any more.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	return b.ps.Close()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
