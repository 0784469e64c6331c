package collaboration

import (
	"context"
	"log"
	"net/http"

	"formsync/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// WebSocketHandler upgrades participant connections and hands them to the hub.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler that accepts upgrades from
// origins originAllowed approves.
func NewWebSocketHandler(hub *Hub, originAllowed func(origin string) bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"))
			},
		},
	}
}

// HandleConnection upgrades the request. The user_id, user_name and
// user_email query parameters seed the connection's identity; a
// connection without user_id is treated as a guest.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	identity := identityFromQuery(r)

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("user.id", identity.UserID),
	)
	defer span.End()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	client := NewClient(h.hub, conn, identity)

	// The request context ends when this handler returns; the
	// connection outlives it.
	go client.Run(context.WithoutCancel(ctx))

	log.Printf("✓ WebSocket connection %s established (user: %s)", client.ConnectionID(), displayOf(identity))
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleConnection(w, r)
}

func identityFromQuery(r *http.Request) Identity {
	q := r.URL.Query()

	id := Identity{UserID: q.Get("user_id")}
	if id.UserID == "" {
		id.UserID = "guest-" + uuid.NewString()
	}
	if name := q.Get("user_name"); name != "" {
		id.UserName = &name
	}
	if email := q.Get("user_email"); email != "" {
		id.UserEmail = &email
	}
	return id
}
