package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-relay/internal/fanout"
)

const (
	topicHeader   = "relay-topic"
	maxRoutingKey = 255
)

var ErrBrokerClosed = errors.New("rabbitmq: broker closed")

// Broker is a fanout.Broker over a direct exchange. Every instance owns an
// exclusive queue and binds one routing key per room it has members in.
type Broker struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	out      chan fanout.Envelope
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ fanout.Broker = (*Broker)(nil)

func NewBroker(url, exchange string) (*Broker, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Broker, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fail(err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		return fail(err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail(err)
	}

	b := &Broker{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		queue:    q.Name,
		out:      make(chan fanout.Envelope, 1024),
		done:     make(chan struct{}),
	}
	go forward(deliveries, b.out, b.done)
	return b, nil
}

// forward copies deliveries to out until deliveries ends or done is closed,
// then closes out.
func forward(deliveries <-chan amqp.Delivery, out chan<- fanout.Envelope, done <-chan struct{}) {
	defer close(out)
	for d := range deliveries {
		topic, _ := d.Headers[topicHeader].(string)
		if topic == "" {
			topic = d.RoutingKey
		}
		select {
		case out <- fanout.Envelope{Topic: topic, Payload: d.Body}:
		case <-done:
			return
		}
	}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := b.ch.PublishWithContext(cctx, b.exchange, routingKey(topic), false, false, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{topicHeader: topic},
		Body:        payload,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, t := range topics {
		if err := b.ch.QueueBind(b.queue, routingKey(t), b.exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: bind %s: %w", t, err)
		}
	}
	return nil
}

func (b *Broker) Unsubscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, t := range topics {
		if err := b.ch.QueueUnbind(b.queue, routingKey(t), b.exchange, nil); err != nil {
			return fmt.Errorf("rabbitmq: unbind %s: %w", t, err)
		}
	}
	return nil
}

func (b *Broker) Messages() <-chan fanout.Envelope { return b.out }

func (b *Broker) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return ErrBrokerClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	_ = b.ch.Close()
	return b.conn.Close()
}

// routingKey keeps keys under the AMQP limit. Long topics are hashed; the
// full topic travels in a header.
func routingKey(topic string) string {
	if len(topic) <= maxRoutingKey {
		return topic
	}
	sum := sha256.Sum256([]byte(topic))
	return fanout.TopicPrefix + "h:" + hex.EncodeToString(sum[:])
}
