// Package fanout delivers published messages to every subscribed
// connection, on this instance and on every other instance sharing the
// broker.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/chat"
)

// Subscriber is a local connection. Deliver must not block.
type Subscriber interface {
	ID() string
	Deliver(msg chat.Message)
}

// Router owns the subscriber registry of this instance only. Other
// instances are reached exclusively through the broker.
type Router struct {
	broker Broker
	log    zerolog.Logger

	// topicMu serializes broker subscribe/unsubscribe with registry changes.
	topicMu sync.Mutex

	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

func NewRouter(broker Broker, log zerolog.Logger) *Router {
	return &Router{
		broker: broker,
		log:    log.With().Str("component", "fanout").Logger(),
		rooms:  make(map[string]map[string]Subscriber),
	}
}

// Subscribe is idempotent per subscriber id.
func (r *Router) Subscribe(ctx context.Context, room string, sub Subscriber) error {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	r.mu.RLock()
	_, listening := r.rooms[room]
	r.mu.RUnlock()

	if !listening {
		if err := r.broker.Subscribe(ctx, Topic(room)); err != nil {
			return fmt.Errorf("fanout: subscribe %s: %w", room, err)
		}
	}

	r.mu.Lock()
	subs, ok := r.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		r.rooms[room] = subs
	}
	subs[sub.ID()] = sub
	r.mu.Unlock()
	return nil
}

func (r *Router) Unsubscribe(ctx context.Context, room string, sub Subscriber) error {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	r.mu.Lock()
	subs, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(subs, sub.ID())
	empty := len(subs) == 0
	if empty {
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	if empty {
		if err := r.broker.Unsubscribe(ctx, Topic(room)); err != nil {
			return fmt.Errorf("fanout: unsubscribe %s: %w", room, err)
		}
	}
	return nil
}

// Publish hands msg to the broker. Local subscribers receive it back
// through Run like everyone else, which keeps per-instance order intact.
func (r *Router) Publish(ctx context.Context, msg chat.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.broker.Publish(ctx, Topic(msg.Room), b); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", msg.Room, err)
	}
	return nil
}

// Run dispatches broker traffic until ctx is done or the broker closes.
func (r *Router) Run(ctx context.Context) error {
	msgs := r.broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-msgs:
			if !ok {
				r.log.Warn().Msg("broker message stream closed")
				return nil
			}
			r.dispatch(env)
		}
	}
}

func (r *Router) dispatch(env Envelope) {
	room, ok := RoomOf(env.Topic)
	if !ok {
		r.log.Debug().Str("topic", env.Topic).Msg("ignoring foreign topic")
		return
	}

	var msg chat.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		r.log.Warn().Err(err).Str("room", room).Msg("bad fan-out payload")
		return
	}
	if msg.Room != room {
		r.log.Warn().Str("room", room).Str("msg_room", msg.Room).Msg("payload room does not match topic")
		return
	}

	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, s := range subs {
		s.Deliver(msg)
	}
}

// Subscribers returns the number of local subscribers of room.
func (r *Router) Subscribers(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the number of rooms with local subscribers.
func (r *Router) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Router) Ping(ctx context.Context) error {
	return r.broker.Ping(ctx)
}
