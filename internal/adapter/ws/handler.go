package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/event"
)

// Authenticator resolves an API key to its agent.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*agent.Agent, error)
}

// Handler upgrades HTTP requests to WebSocket event streams.
type Handler struct {
	hub  *Hub
	auth Authenticator
}

// NewHandler creates a new Handler.
func NewHandler(hub *Hub, auth Authenticator) *Handler {
	return &Handler{hub: hub, auth: auth}
}

// envelope is the wire form of one streamed event.
type envelope struct {
	Type    string       `json:"type"`
	Lagging bool         `json:"lagging,omitempty"`
	Event   *event.Event `json:"event"`
}

// ServeHTTP authenticates the agent and streams its events until the client
// disconnects. Browser clients cannot set headers, so the API key is also
// accepted as an api_key query parameter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("api_key")
	if key == "" {
		key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	a, err := h.auth.Authenticate(r.Context(), key)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.hub.Subscribe(a.ID)
	defer sub.Close()

	slog.Info("websocket connected", "agent_id", a.ID, "remote", r.RemoteAddr)

	// Read loop, to detect disconnects and consume control frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusNormalClosure, "")
			slog.Info("websocket disconnected", "agent_id", a.ID)
			return
		case evt, ok := <-sub.Events():
			if !ok {
				_ = ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			data, err := json.Marshal(envelope{Type: string(evt.Kind), Lagging: sub.Lagging(), Event: evt})
			if err != nil {
				slog.Error("marshal ws event", "kind", evt.Kind, "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("websocket write failed", "agent_id", a.ID, "error", err)
				_ = ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}
