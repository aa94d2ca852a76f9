package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dagbolade/toolgate/internal/approvals"
	"github.com/dagbolade/toolgate/internal/auth"
	"github.com/dagbolade/toolgate/internal/store"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024 // 512KB
)

// WSMessage is the wire shape of a lifecycle event pushed to clients.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one connected websocket listener.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan WSMessage
	hub      *Hub
	closedMu sync.Mutex
	closed   bool
}

// Hub fans approval lifecycle events out to connected clients. It implements
// approvals.Sink; Publish never blocks the orchestrator.
type Hub struct {
	clients      map[*Client]bool
	broadcast    chan WSMessage
	register     chan *Client
	unregister   chan *Client
	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	go h.run()
	return h
}

// Publish implements approvals.Sink. Fire-and-forget: when the broadcast
// buffer is full the event is dropped rather than backpressuring the
// orchestrator.
func (h *Hub) Publish(event approvals.Event) {
	msg := WSMessage{Type: event.Type, Data: event}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		log.Warn().Str("type", event.Type).Msg("broadcast buffer full, event dropped")
	}
}

// Shutdown gracefully shuts down the hub.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		log.Info().Msg("shutting down websocket hub")
		h.cancel()

		h.mu.Lock()
		for client := range h.clients {
			client.safeClose()
		}
		h.clients = make(map[*Client]bool)
		h.mu.Unlock()
	})
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total", total).Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.safeClose()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client_id", client.id).Int("total", total).Msg("client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer full, disconnect.
					go func(c *Client) {
						select {
						case h.unregister <- c:
						case <-h.ctx.Done():
						}
					}(client)
				}
			}
			h.mu.RUnlock()

		case <-h.ctx.Done():
			return
		}
	}
}

func (c *Client) safeClose() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	close(c.send)
	_ = c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PendingLister supplies the initial snapshot sent to clients that connect
// scoped to a session.
type PendingLister interface {
	ListPendingApprovals(ctx context.Context, sessionID string) ([]store.ApprovalRow, error)
}

// WSHandler upgrades reviewer connections and registers them with the hub.
type WSHandler struct {
	hub         *Hub
	authManager *auth.Manager
	pending     PendingLister
	upgrader    websocket.Upgrader
}

func NewWSHandler(hub *Hub, authManager *auth.Manager, pending PendingLister) *WSHandler {
	return &WSHandler{
		hub:         hub,
		authManager: authManager,
		pending:     pending,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Auth is handled via token validation.
			},
		},
	}
}

// HandleWebSocket handles the upgrade and client lifecycle. The token comes
// from the query parameter since browsers cannot set headers on websocket
// dials.
func (h *WSHandler) HandleWebSocket(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		authHeader := c.Request().Header.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}
	}

	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authentication token")
	}

	reviewer, err := h.authManager.ValidateToken(token)
	if err != nil {
		log.Warn().Err(err).Msg("websocket auth failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return err
	}

	client := &Client{
		id:   reviewer.ID + "-" + time.Now().Format("20060102150405"),
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  h.hub,
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		_ = conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()

	// Clients that connect scoped to a session get the unresolved approvals
	// up front so they do not miss decisions made before they attached.
	if session := c.QueryParam("session"); session != "" && h.pending != nil {
		pending, err := h.pending.ListPendingApprovals(c.Request().Context(), session)
		if err != nil {
			log.Warn().Err(err).Str("session_id", session).Msg("pending snapshot failed")
		} else if len(pending) > 0 {
			select {
			case client.send <- WSMessage{Type: approvals.EventApprovalPending, Data: pending}:
			default:
			}
		}
	}

	return nil
}
