package collaboration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"formsync/internal/middleware"
	"formsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one websocket connection. The hub only ever talks to it
// through the Peer methods; the two pumps own the socket.
type Client struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	hub      *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, identity Identity) *Client {
	return &Client{
		id:       models.NewConnectionID(),
		identity: identity,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) ConnectionID() string { return c.id }

func (c *Client) Handshake() Identity { return c.identity }

// Deliver queues msg for the write pump. A client whose buffer is full
// is too slow to keep up and gets disconnected.
func (c *Client) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("⚠️  Connection %s buffer full, closing connection", c.id)
		c.Close()
		return false
	}
}

// Close stops the write pump, which sends a close frame and tears the
// socket down. The read pump then fails and runs disconnect cleanup.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run registers the client and runs both pumps until the connection
// ends. It returns after the hub has cleaned up after it.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WritePump(ctx)
	}()

	c.ReadPump(ctx)
	wg.Wait()
}

// ReadPump reads intents from the socket and hands them to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Close()
		c.conn.Close()
		c.hub.Disconnect(ctx, c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.id, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("connection.id", c.id),
			attribute.Int("message.size", len(message)),
		)
		if err := c.hub.Dispatch(msgCtx, c, message); err != nil {
			var ie *IntentError
			if errors.As(err, &ie) {
				log.Printf("  Dropped intent from %s: %v", c.id, ie)
			}
		}
		span.End()
	}
}

// WritePump writes queued messages, one text frame each, and keeps the
// connection alive with pings.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.writeClose(websocket.CloseNormalClosure)
			return

		case <-ctx.Done():
			c.Close()
			c.writeClose(websocket.CloseGoingAway)
			return
		}
	}
}

func (c *Client) writeClose(code int) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
