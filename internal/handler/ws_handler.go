package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"canvas-sync/internal/config"
	"canvas-sync/internal/service"
	"canvas-sync/internal/websocket"
	"canvas-sync/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	logger    *slog.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, cfg config.WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// HandleConnection upgrades a UI connection. The token comes from the query
// or the Authorization header; document_id narrows the event stream.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.logger.Warn("websocket token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.ClientID, r.URL.Query().Get("document_id"), conn, h.manager)
	if !h.manager.Add(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// WebSocketMessageHandler serves messages UIs send on the event stream.
type WebSocketMessageHandler struct {
	manager *websocket.Manager
}

func NewWebSocketMessageHandler(manager *websocket.Manager) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{manager: manager}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	switch msg.Type {
	case websocket.TypeSubscribe:
		var payload websocket.SubscribePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		h.manager.Watch(client.ID, payload.DocumentID)
		return nil

	case websocket.TypeUnsubscribe:
		h.manager.Watch(client.ID, "")
		return nil

	case websocket.TypePing:
		pong, err := websocket.NewMessage(websocket.TypePong, nil)
		if err != nil {
			return err
		}
		return h.manager.SendToClient(client.ID, pong)

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// RelayEvents forwards engine events to the UIs watching their document
// until ctx is done or events is closed.
func RelayEvents(ctx context.Context, events <-chan service.Event, manager *websocket.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := websocket.NewMessage(websocket.TypeEvent, ev)
			if err != nil {
				return err
			}
			if err := manager.BroadcastToDocument(ev.DocumentID, msg); err != nil {
				return err
			}
		}
	}
}
