package fanout

import (
	"context"
	"strings"
)

// TopicPrefix namespaces room topics on the shared broker.
const TopicPrefix = "relay:room:"

// Envelope is one payload received from the broker.
type Envelope struct {
	Topic   string
	Payload []byte
}

// Broker is the shared channel every instance publishes to and listens on.
// Messages must yield envelopes of a topic in the order they were published
// by a single publisher.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Messages() <-chan Envelope
	Ping(ctx context.Context) error
	Close() error
}

func Topic(room string) string { return TopicPrefix + room }

func RoomOf(topic string) (string, bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, TopicPrefix), true
}
