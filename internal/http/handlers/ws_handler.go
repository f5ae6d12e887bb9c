package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/auth"
	"github.com/produce-export/backend/internal/events"
	"github.com/produce-export/backend/internal/rbac"
	"go.uber.org/zap"
)

// WSHub fans escrow events out to websocket clients. A client either watches
// one escrow (escrow_id query param) or, for admins, all of them.
type WSHub struct {
	jwtSecret  string
	subscriber events.Subscriber
	log        *zap.Logger

	mu       sync.RWMutex
	watchers map[uuid.UUID][]*wsClient // uuid.Nil = all escrows
}

const wsSendBuffer = 64

// wsClient owns the only goroutine allowed to write to conn. Dispatch hands
// it frames through send and never blocks on a slow reader.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn, buffer int) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, buffer)}
}

func (c *wsClient) writeLoop() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

func NewWSHub(jwtSecret string, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		jwtSecret:  jwtSecret,
		subscriber: subscriber,
		log:        log,
		watchers:   make(map[uuid.UUID][]*wsClient),
	}
}

func (h *WSHub) Start(ctx context.Context) {
	if err := h.subscriber.Subscribe(ctx, events.StreamEscrow, h.Dispatch); err != nil {
		h.log.Error("ws hub subscribe failed", zap.Error(err))
	}
}

// Dispatch delivers event to watchers of its escrow and to global watchers.
func (h *WSHub) Dispatch(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	var id uuid.UUID
	if s, ok := event.Payload["escrow_id"].(string); ok {
		id, _ = uuid.Parse(s)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.watchers[uuid.Nil] {
		h.enqueue(c, data)
	}
	if id == uuid.Nil {
		return
	}
	for _, c := range h.watchers[id] {
		h.enqueue(c, data)
	}
}

func (h *WSHub) enqueue(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("ws client too slow, dropping event")
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.jwtSecret, tokenStr)
	if err != nil || !rbac.HasPermission(claims.Role, rbac.PermEscrowRead) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	key := uuid.Nil
	if s := conn.Query("escrow_id"); s != "" {
		key, err = uuid.Parse(s)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid escrow_id"}`))
			conn.Close()
			return
		}
	} else if claims.Role != rbac.RoleAdmin {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"escrow_id required"}`))
		conn.Close()
		return
	}

	client := newWSClient(conn, wsSendBuffer)
	h.add(key, client)
	go client.writeLoop()
	defer func() {
		h.remove(key, client)
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WSHub) add(key uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[key] = append(h.watchers[key], client)
}

// remove unregisters client and closes its send channel, which ends writeLoop.
func (h *WSHub) remove(key uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.watchers[key]
	for i, c := range clients {
		if c == client {
			h.watchers[key] = append(clients[:i], clients[i+1:]...)
			close(c.send)
			break
		}
	}
	if len(h.watchers[key]) == 0 {
		delete(h.watchers, key)
	}
}
