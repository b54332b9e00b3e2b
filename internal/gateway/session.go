package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/room"
)

type State int

const (
	StateConnected State = iota + 1
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one admitted connection. Handle is called from a single
// goroutine per connection; Deliver may be called from the fan-out router
// at any time.
type Session struct {
	id        string
	tenant    string
	principal string
	gw        *Gateway
	log       zerolog.Logger
	out       chan Event

	mu     sync.Mutex
	state  State
	joined map[string]struct{}
	// live messages held back while the room's history is being loaded
	replaying map[string][]chat.Message
	// ids of the last history snapshot per room whose live copy has not
	// arrived yet; at most HistoryLimit per room
	replayed map[string]map[string]struct{}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Tenant() string    { return s.tenant }
func (s *Session) Principal() string { return s.principal }

// Events is closed when the session closes.
func (s *Session) Events() <-chan Event { return s.out }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined returns the joined room keys.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.joined)
}

func (s *Session) Handle(ctx context.Context, cmd Command) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}

	switch c := cmd.(type) {
	case JoinGeneral:
		return s.joinGeneral(ctx)
	case JoinDM:
		return s.joinDM(ctx, c.Target)
	case SendMessage:
		return s.send(ctx, c)
	case Disconnect:
		s.Close(ctx)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (s *Session) joinGeneral(ctx context.Context) error {
	key, err := room.General(s.tenant)
	if err != nil {
		return err
	}
	return s.join(ctx, key)
}

func (s *Session) joinDM(ctx context.Context, target string) error {
	if target == "" {
		return nil
	}
	key, err := room.DM(s.tenant, s.principal, target)
	if err != nil {
		s.log.Warn().Str("target", target).Msg("ignoring join_dm with invalid target")
		return nil
	}
	return s.join(ctx, key)
}

// join subscribes first and replays history second. Live messages that
// arrive in between are buffered and released after the history event, so
// a client never sees a live message ahead of older history.
func (s *Session) join(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.joined[key] = struct{}{}
	if _, ok := s.replaying[key]; !ok {
		s.replaying[key] = nil
	}
	s.mu.Unlock()

	if err := s.gw.router.Subscribe(ctx, key, s); err != nil {
		s.log.Error().Err(err).Str("room", key).Msg("subscribe failed")
		s.mu.Lock()
		delete(s.joined, key)
		s.mu.Unlock()
	} else {
		s.log.Info().Str("room", key).Msg("joined room")
	}

	history, err := s.gw.history.RecentMessages(ctx, s.tenant, key, chat.HistoryLimit)
	if err != nil {
		s.log.Error().Err(err).Str("room", key).Msg("load history failed")
		history = nil
	}
	if history == nil {
		history = []chat.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.replaying[key]
	delete(s.replaying, key)
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	s.enqueue(Event{Type: EventHistory, Payload: HistoryPayload{Room: key, Messages: history}})

	seen := lo.SliceToMap(history, func(m chat.Message) (string, struct{}) { return m.ID, struct{}{} })
	delete(s.replayed, key)
	if len(seen) > 0 {
		s.replayed[key] = seen
	}
	for _, m := range pending {
		if s.alreadyReplayed(m) {
			continue
		}
		s.enqueue(Event{Type: EventReceiveMessage, Payload: m})
	}
	return nil
}

// send requires a canonical room key of the session's tenant and, for dm
// rooms, the sender to be one of the two participants. Anything else is
// dropped without telling the sender.
func (s *Session) send(ctx context.Context, cmd SendMessage) error {
	k, err := room.Parse(cmd.Room)
	if err != nil || k.Tenant != s.tenant {
		// silent to the sender: an error would reveal whether the room exists
		s.log.Warn().Err(ErrTenantIsolation).Str("room", cmd.Room).Msg("dropping message")
		return nil
	}
	if !k.Includes(s.principal) {
		s.log.Warn().Str("room", cmd.Room).Msg("dropping message to foreign dm")
		return nil
	}
	if err := s.gw.validate.Struct(cmd); err != nil {
		s.log.Warn().Err(err).Str("room", cmd.Room).Msg("dropping invalid message")
		return nil
	}

	id, err := s.gw.newID()
	if err != nil {
		return fmt.Errorf("gateway: message id: %w", err)
	}
	msg := chat.Message{
		ID:        id,
		Tenant:    s.tenant,
		Room:      cmd.Room,
		Sender:    s.principal,
		Text:      cmd.Text,
		Timestamp: s.gw.now().UTC(),
	}

	s.gw.persist(ctx, msg, s.log)

	if err := s.gw.router.Publish(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("room", msg.Room).Str("message_id", msg.ID).Msg("publish failed")
	}
	return nil
}

// Deliver implements fanout.Subscriber. It never blocks: a full outbound
// queue drops the message.
func (s *Session) Deliver(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if _, ok := s.joined[msg.Room]; !ok {
		return
	}
	if pending, ok := s.replaying[msg.Room]; ok {
		s.replaying[msg.Room] = append(pending, msg)
		return
	}
	if s.alreadyReplayed(msg) {
		return
	}
	s.enqueue(Event{Type: EventReceiveMessage, Payload: msg})
}

// alreadyReplayed reports whether msg was part of the room's last history
// snapshot and forgets it, since the broker delivers each message once.
// Must be called with s.mu held.
func (s *Session) alreadyReplayed(msg chat.Message) bool {
	ids, ok := s.replayed[msg.Room]
	if !ok {
		return false
	}
	if _, dup := ids[msg.ID]; !dup {
		return false
	}
	delete(ids, msg.ID)
	if len(ids) == 0 {
		delete(s.replayed, msg.Room)
	}
	return true
}

// enqueue must be called with s.mu held.
func (s *Session) enqueue(ev Event) {
	select {
	case s.out <- ev:
	default:
		s.log.Warn().Str("event", ev.Type).Msg("outbound queue full, dropping event")
	}
}

// Close releases every room membership. It is safe to call more than once.
// Persistence writes already issued are not affected.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	rooms := lo.Keys(s.joined)
	s.joined = make(map[string]struct{})
	s.replaying = make(map[string][]chat.Message)
	s.replayed = make(map[string]map[string]struct{})
	close(s.out)
	s.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range rooms {
		if err := s.gw.router.Unsubscribe(ctx, r, s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error().Err(err).Msg("unsubscribe failed")
	}

	s.gw.sessions.Add(-1)
	s.log.Info().Int("rooms", len(rooms)).Msg("session closed")
}
