package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/fanout"
	"github.com/suPer8Hu/chat-relay/internal/gateway"
	"github.com/suPer8Hu/chat-relay/internal/httpapi/handlers"
	"gorm.io/gorm"
)

type instance struct {
	srv *httptest.Server
	gw  *gateway.Gateway
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func openRepo(t *testing.T) *chat.Repo {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&chat.Message{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return chat.NewRepo(db)
}

// startInstances runs n relay servers sharing one broker hub and one store.
func startInstances(t *testing.T, n int, checks map[string]handlers.Check) ([]instance, *chat.Repo) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := openRepo(t)
	hub := fanout.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var out []instance
	for i := 0; i < n; i++ {
		b := hub.NewBroker(0)
		r := fanout.NewRouter(b, zerolog.Nop())
		go func() { _ = r.Run(ctx) }()
		gw := gateway.New(r, repo, repo, zerolog.Nop(), gateway.Options{})

		srv := httptest.NewServer(NewRouter(handlers.Deps{
			Ctx:     ctx,
			Gateway: gw,
			ChatSvc: chat.NewService(repo),
			Checks:  checks,
			Log:     zerolog.Nop(),
		}))
		t.Cleanup(func() {
			cancel()
			srv.Close()
			_ = b.Close()
		})
		out = append(out, instance{srv: srv, gw: gw})
	}
	return out, repo
}

func dial(t *testing.T, in instance, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func readHistory(t *testing.T, conn *websocket.Conn, room string) []chat.Message {
	t.Helper()
	f := read(t, conn)
	require.Equal(t, gateway.EventHistory, f.Type)
	var p gateway.HistoryPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	require.Equal(t, room, p.Room)
	return p.Messages
}

func readMessage(t *testing.T, conn *websocket.Conn) chat.Message {
	t.Helper()
	f := read(t, conn)
	require.Equal(t, gateway.EventReceiveMessage, f.Type)
	var m chat.Message
	require.NoError(t, json.Unmarshal(f.Payload, &m))
	return m
}

func getJSON(t *testing.T, url string) (int, envelope) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestWS_RefusesUnidentifiedConnections(t *testing.T) {
	ins, _ := startInstances(t, 1, nil)
	base := "ws" + strings.TrimPrefix(ins[0].srv.URL, "http") + "/ws"

	for _, q := range []string{"", "?tenant=P", "?principal=A1", "?tenant=P:x&principal=A1"} {
		_, resp, err := websocket.DefaultDialer.Dial(base+q, nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake, q)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, q)
	}
	require.Zero(t, ins[0].gw.Sessions())
}

func TestWS_GeneralRoomAcrossInstances(t *testing.T) {
	ins, _ := startInstances(t, 2, nil)

	a1 := dial(t, ins[0], "tenant=P&principal=A1")
	a2 := dial(t, ins[1], "projectId=P&userId=A2")

	send(t, a1, "join_general", nil)
	require.Empty(t, readHistory(t, a1, "P:general"))
	send(t, a2, "join_general", nil)
	require.Empty(t, readHistory(t, a2, "P:general"))

	send(t, a1, "send_message", map[string]string{"room": "P:general", "message": "hello"})

	for _, conn := range []*websocket.Conn{a1, a2} {
		m := readMessage(t, conn)
		require.Equal(t, "P:general", m.Room)
		require.Equal(t, "A1", m.Sender)
		require.Equal(t, "hello", m.Text)
		require.NotEmpty(t, m.ID)
	}

	ins[0].gw.Wait()
	a3 := dial(t, ins[1], "tenant=P&principal=A3")
	send(t, a3, "join_general", nil)
	history := readHistory(t, a3, "P:general")
	require.Len(t, history, 1)
	require.Equal(t, "hello", history[0].Text)
}

func TestWS_DirectMessagesStayPrivate(t *testing.T) {
	ins, _ := startInstances(t, 2, nil)

	a1 := dial(t, ins[0], "tenant=P&principal=A1")
	a2 := dial(t, ins[1], "tenant=P&principal=A2")
	a3 := dial(t, ins[1], "tenant=P&principal=A3")

	send(t, a1, "join_dm", map[string]string{"target": "A2"})
	require.Empty(t, readHistory(t, a1, "P:dm:A1:A2"))
	send(t, a2, "join_dm", map[string]string{"targetUserId": "A1"})
	require.Empty(t, readHistory(t, a2, "P:dm:A1:A2"))
	send(t, a3, "join_general", nil)
	require.Empty(t, readHistory(t, a3, "P:general"))

	// A3 is not a participant; the message is dropped
	send(t, a3, "send_message", map[string]string{"room": "P:dm:A1:A2", "text": "sneaky"})
	send(t, a2, "send_message", map[string]string{"room": "P:dm:A1:A2", "text": "psst"})

	require.Equal(t, "psst", readMessage(t, a1).Text)
	require.Equal(t, "psst", readMessage(t, a2).Text)

	require.NoError(t, a3.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := a3.ReadMessage()
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected frame for non-participant: %v", err)
}

func TestWS_DisconnectReleasesSession(t *testing.T) {
	ins, _ := startInstances(t, 1, nil)
	a1 := dial(t, ins[0], "tenant=P&principal=A1")

	send(t, a1, "join_general", nil)
	readHistory(t, a1, "P:general")
	require.EqualValues(t, 1, ins[0].gw.Sessions())

	send(t, a1, "disconnect", nil)
	require.NoError(t, a1.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := a1.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return ins[0].gw.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWS_IgnoresUnknownFrames(t *testing.T) {
	ins, _ := startInstances(t, 1, nil)
	a1 := dial(t, ins[0], "tenant=P&principal=A1")

	require.NoError(t, a1.WriteMessage(websocket.TextMessage, []byte("garbage")))
	send(t, a1, "typing", nil)
	send(t, a1, "join_general", nil)
	readHistory(t, a1, "P:general")
}

func TestHistoryEndpoint(t *testing.T) {
	ins, repo := startInstances(t, 1, nil)
	base := ins[0].srv.URL
	ctx := context.Background()

	for i, room := range []string{"P:general", "P:general", "P:dm:A1:A2", "Q:general"} {
		require.NoError(t, repo.Persist(ctx, chat.Message{
			ID: fmt.Sprintf("%026d", i), Tenant: strings.SplitN(room, ":", 2)[0], Room: room,
			Sender: "A1", Text: fmt.Sprintf("m%d", i), Timestamp: time.Unix(int64(i), 0).UTC(),
		}))
	}

	code, env := getJSON(t, base+"/history?tenant=P&principal=A3&room=P:general")
	require.Equal(t, http.StatusOK, code)
	var data struct {
		Room     string         `json:"room"`
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Messages, 2)
	require.Equal(t, "m0", data.Messages[0].Text)

	code, env = getJSON(t, base+"/history?tenant=P&principal=A3&room=P:dm:A1:A2")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40004, env.Code)

	code, _ = getJSON(t, base+"/history?tenant=P&principal=A1&room=Q:general")
	require.Equal(t, http.StatusNotFound, code)

	code, env = getJSON(t, base+"/history?tenant=P&principal=A1")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, 10002, env.Code)
}

func TestPingHealthAndFallbacks(t *testing.T) {
	broken := errors.New("broker unreachable")
	var healthy atomic.Bool
	healthy.Store(true)
	ins, _ := startInstances(t, 1, map[string]handlers.Check{
		"broker": func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return broken
		},
	})
	base := ins[0].srv.URL

	code, env := getJSON(t, base+"/ping")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `"pong"`, string(env.Data))

	code, _ = getJSON(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code)

	healthy.Store(false)
	code, env = getJSON(t, base+"/healthz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, 50300, env.Code)

	code, env = getJSON(t, base+"/nope")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, 40400, env.Code)

	resp, err := http.Post(base+"/ping", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
