package chat

import "context"

// Persister accepts a message for durable storage. Implementations may
// write directly or hand the message to a queue.
type Persister interface {
	Persist(ctx context.Context, m Message) error
}

// HistoryReader serves history replays.
type HistoryReader interface {
	RecentMessages(ctx context.Context, tenant, room string, limit int) ([]Message, error)
}

var (
	_ Persister     = (*Repo)(nil)
	_ HistoryReader = (*Repo)(nil)
)
