// Package gateway manages relay sessions: admission, room membership,
// message validation, history replay and fan-out.
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/fanout"
	"github.com/suPer8Hu/chat-relay/internal/room"
)

var (
	ErrAuthentication  = errors.New("gateway: tenant and principal are required")
	ErrTenantIsolation = errors.New("gateway: room outside tenant")
	ErrSessionClosed   = errors.New("gateway: session closed")
)

// Fanout is the part of fanout.Router a session needs.
type Fanout interface {
	Subscribe(ctx context.Context, room string, sub fanout.Subscriber) error
	Unsubscribe(ctx context.Context, room string, sub fanout.Subscriber) error
	Publish(ctx context.Context, msg chat.Message) error
}

type Options struct {
	Now            func() time.Time
	NewID          func() (string, error)
	PersistTimeout time.Duration
	SessionBuffer  int
}

type Gateway struct {
	router    Fanout
	history   chat.HistoryReader
	persister chat.Persister
	log       zerolog.Logger
	validate  *validator.Validate

	now            func() time.Time
	newID          func() (string, error)
	persistTimeout time.Duration
	sessionBuffer  int

	// drainMu orders inflight.Add against Shutdown's Wait.
	drainMu  sync.Mutex
	draining bool
	inflight sync.WaitGroup
	sessions atomic.Int64
}

func New(router Fanout, history chat.HistoryReader, persister chat.Persister, log zerolog.Logger, opts Options) *Gateway {
	g := &Gateway{
		router:         router,
		history:        history,
		persister:      persister,
		log:            log.With().Str("component", "gateway").Logger(),
		validate:       validator.New(),
		now:            opts.Now,
		newID:          opts.NewID,
		persistTimeout: opts.PersistTimeout,
		sessionBuffer:  opts.SessionBuffer,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = common.NewULID
	}
	if g.persistTimeout <= 0 {
		g.persistTimeout = 5 * time.Second
	}
	if g.sessionBuffer <= 0 {
		g.sessionBuffer = 256
	}
	return g
}

// Admit binds a new session to tenant and principal. Missing or malformed
// identifiers fail with ErrAuthentication; the caller must close the
// connection without exchanging anything.
func (g *Gateway) Admit(tenant, principal string) (*Session, error) {
	if !room.ValidIdentifier(tenant) || !room.ValidIdentifier(principal) {
		return nil, ErrAuthentication
	}

	id := uuid.NewString()
	s := &Session{
		id:        id,
		tenant:    tenant,
		principal: principal,
		gw:        g,
		log: g.log.With().
			Str("session", id).
			Str("tenant", tenant).
			Str("principal", principal).
			Logger(),
		out:       make(chan Event, g.sessionBuffer),
		state:     StateConnected,
		joined:    make(map[string]struct{}),
		replaying: make(map[string][]chat.Message),
		replayed:  make(map[string]map[string]struct{}),
	}
	g.sessions.Add(1)
	s.log.Info().Msg("session admitted")
	return s, nil
}

// Sessions returns the number of open sessions on this instance.
func (g *Gateway) Sessions() int64 { return g.sessions.Load() }

// Wait blocks until every persistence write issued so far has finished.
// It must not race with sends; use Shutdown while connections may be live.
func (g *Gateway) Wait() { g.inflight.Wait() }

// Shutdown stops accepting persistence writes and waits for the ones in
// flight. Messages sent afterwards are still delivered but not stored.
func (g *Gateway) Shutdown() {
	g.drainMu.Lock()
	g.draining = true
	g.drainMu.Unlock()
	g.inflight.Wait()
}

// persist writes msg in the background. A failure only costs the message
// its place in future history replays.
func (g *Gateway) persist(ctx context.Context, msg chat.Message, log zerolog.Logger) {
	g.drainMu.Lock()
	if g.draining {
		g.drainMu.Unlock()
		log.Warn().Str("room", msg.Room).Str("message_id", msg.ID).Msg("shutting down, message not persisted")
		return
	}
	g.inflight.Add(1)
	g.drainMu.Unlock()
	go func() {
		defer g.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.persistTimeout)
		defer cancel()

		start := time.Now()
		if err := g.persister.Persist(ctx, msg); err != nil {
			log.Error().Err(err).Str("room", msg.Room).Str("message_id", msg.ID).
				Dur("cost", time.Since(start)).Msg("persist message failed")
			return
		}
		if cost := time.Since(start); cost > time.Second {
			log.Warn().Str("message_id", msg.ID).Dur("cost", cost).Msg("slow persist")
		}
	}()
}
