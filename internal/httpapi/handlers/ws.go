package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/suPer8Hu/chat-relay/internal/gateway"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 64 << 10
)

// originChecker allows any origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || lo.Contains(allowed, origin)
	}
}

// firstQuery accepts the legacy parameter names as well.
func firstQuery(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			return v
		}
	}
	return ""
}

// ServeWS admits the connection before upgrading it. A refused connection
// gets a bare 401 and never becomes a websocket.
func (h *Handler) ServeWS(c *gin.Context) {
	tenant := firstQuery(c, "tenant", "projectId")
	principal := firstQuery(c, "principal", "userId")

	sess, err := h.Gateway.Admit(tenant, principal)
	if err != nil {
		h.log.Info().Err(err).Str("client_ip", c.ClientIP()).Msg("connection refused")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		h.log.Warn().Err(err).Str("session", sess.ID()).Msg("websocket upgrade failed")
		sess.Close(h.ctx)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	wc := &wsConn{conn: conn, sess: sess, log: h.log.With().Str("session", sess.ID()).Logger()}

	written := make(chan struct{})
	go func() {
		defer close(written)
		wc.writePump(ctx)
	}()
	go func() {
		// unblocks ReadMessage on shutdown
		<-ctx.Done()
		_ = conn.Close()
	}()

	wc.readPump(ctx)
	<-written
}

type wsConn struct {
	conn *websocket.Conn
	sess *gateway.Session
	log  zerolog.Logger
}

// readPump owns the session: it is the only caller of Handle, and closing
// the session on exit releases every room.
func (w *wsConn) readPump(ctx context.Context) {
	defer w.sess.Close(ctx)

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				w.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := gateway.DecodeCommand(data)
		if err != nil {
			w.log.Warn().Err(err).Msg("ignoring client frame")
			continue
		}
		if err := w.sess.Handle(ctx, cmd); err != nil {
			if errors.Is(err, gateway.ErrSessionClosed) {
				return
			}
			w.log.Error().Err(err).Msg("handle command failed")
		}
		if _, ok := cmd.(gateway.Disconnect); ok {
			return
		}
	}
}

// writePump drains the session queue. It ends when the session closes, the
// context ends or a write fails; the last two close the connection so the
// read pump stops too.
func (w *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-w.sess.Events():
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := w.conn.WriteJSON(ev); err != nil {
				w.log.Warn().Err(err).Str("event", ev.Type).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
