package handlers

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/gateway"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type Deps struct {
	// Ctx bounds every websocket connection; cancelling it disconnects all
	// clients.
	Ctx     context.Context
	Cfg     config.Config
	Gateway *gateway.Gateway
	ChatSvc *chat.Service
	Checks  map[string]Check
	Log     zerolog.Logger
}

type Handler struct {
	ctx      context.Context
	Cfg      config.Config
	Gateway  *gateway.Gateway
	ChatSvc  *chat.Service
	Checks   map[string]Check
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	ctx := d.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Handler{
		ctx:     ctx,
		Cfg:     d.Cfg,
		Gateway: d.Gateway,
		ChatSvc: d.ChatSvc,
		Checks:  d.Checks,
		log:     d.Log.With().Str("component", "http").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(d.Cfg.AllowedOrigins),
	}
	return h
}
