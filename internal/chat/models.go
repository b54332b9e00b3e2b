package chat

import "time"

// HistoryLimit caps every history replay.
const HistoryLimit = 50

// Message is created once by the gateway and never mutated afterwards.
// The same shape is used on the wire and in storage.
type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"` // ULID
	Tenant    string    `gorm:"type:varchar(128);not null;index:idx_chat_msg_tenant_room_ts,priority:1" json:"tenant"`
	Room      string    `gorm:"type:varchar(400);not null;index:idx_chat_msg_tenant_room_ts,priority:2" json:"room"`
	Sender    string    `gorm:"type:varchar(128);not null" json:"sender"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	Timestamp time.Time `gorm:"not null;index:idx_chat_msg_tenant_room_ts,priority:3" json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }
