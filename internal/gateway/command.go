package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownCommand = errors.New("gateway: unknown command")

// Command is the closed set of client operations. Only the types in this
// file implement it.
type Command interface {
	command()
}

type JoinGeneral struct{}

type JoinDM struct {
	Target string
}

type SendMessage struct {
	Room string `validate:"required"`
	Text string `validate:"required,max=4096"`
}

type Disconnect struct{}

func (JoinGeneral) command() {}
func (JoinDM) command()      {}
func (SendMessage) command() {}
func (Disconnect) command()  {}

// Wire frame names.
const (
	TypeJoinGeneral = "join_general"
	TypeJoinDM      = "join_dm"
	TypeSendMessage = "send_message"
	TypeDisconnect  = "disconnect"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinDMPayload struct {
	Target       string `json:"target"`
	TargetUserID string `json:"targetUserId"`
}

type sendMessagePayload struct {
	Room    string `json:"room"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// DecodeCommand parses one client frame:
//
//	{"type": "send_message", "payload": {"room": "P:general", "text": "hi"}}
func DecodeCommand(data []byte) (Command, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("gateway: bad frame: %w", err)
	}

	switch f.Type {
	case TypeJoinGeneral:
		return JoinGeneral{}, nil

	case TypeJoinDM:
		var p joinDMPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			return nil, err
		}
		target := p.Target
		if target == "" {
			target = p.TargetUserID
		}
		return JoinDM{Target: target}, nil

	case TypeSendMessage:
		var p sendMessagePayload
		if err := decodePayload(f.Payload, &p); err != nil {
			return nil, err
		}
		text := p.Text
		if text == "" {
			text = p.Message
		}
		return SendMessage{Room: p.Room, Text: text}, nil

	case TypeDisconnect:
		return Disconnect{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Type)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("gateway: bad payload: %w", err)
	}
	return nil
}
