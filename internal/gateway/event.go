package gateway

import "github.com/suPer8Hu/chat-relay/internal/chat"

const (
	EventHistory        = "history"
	EventReceiveMessage = "receive_message"
)

// Event is one server-to-client frame.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type HistoryPayload struct {
	Room     string         `json:"room"`
	Messages []chat.Message `json:"messages"`
}
