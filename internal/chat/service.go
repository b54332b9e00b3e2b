package chat

import (
	"context"
	"errors"

	"github.com/suPer8Hu/chat-relay/internal/room"
)

// ErrRoomNotFound hides rooms the caller may not read, including rooms of
// other tenants.
var ErrRoomNotFound = errors.New("chat: room not found")

type Service struct {
	history HistoryReader
}

func NewService(history HistoryReader) *Service {
	return &Service{history: history}
}

// ListMessages returns the replay snapshot of roomKey as seen by principal
// of tenant.
func (s *Service) ListMessages(ctx context.Context, tenant, principal, roomKey string, limit int) ([]Message, error) {
	if !room.ValidIdentifier(tenant) || !room.ValidIdentifier(principal) {
		return nil, ErrRoomNotFound
	}
	k, err := room.Parse(roomKey)
	if err != nil || k.Tenant != tenant || !k.Includes(principal) {
		return nil, ErrRoomNotFound
	}
	return s.history.RecentMessages(ctx, tenant, roomKey, limit)
}
