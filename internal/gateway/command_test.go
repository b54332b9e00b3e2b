package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{"join general", `{"type":"join_general"}`, JoinGeneral{}},
		{"join general with null payload", `{"type":"join_general","payload":null}`, JoinGeneral{}},
		{"join dm", `{"type":"join_dm","payload":{"target":"A2"}}`, JoinDM{Target: "A2"}},
		{"join dm legacy field", `{"type":"join_dm","payload":{"targetUserId":"A2"}}`, JoinDM{Target: "A2"}},
		{"join dm without target", `{"type":"join_dm","payload":{}}`, JoinDM{}},
		{"send", `{"type":"send_message","payload":{"room":"P:general","text":"hi"}}`, SendMessage{Room: "P:general", Text: "hi"}},
		{"send legacy field", `{"type":"send_message","payload":{"room":"P:general","message":"hi"}}`, SendMessage{Room: "P:general", Text: "hi"}},
		{"disconnect", `{"type":"disconnect"}`, Disconnect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"typing"}`))
	require.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeCommand([]byte(`{"type":""}`))
	require.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeCommand([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeCommand([]byte(`{"type":"send_message","payload":"oops"}`))
	require.Error(t, err)
}
