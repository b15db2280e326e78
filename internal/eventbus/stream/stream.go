// Package stream is the gorilla/websocket fan-out adapter for the event bus
// (coordination-plane component C10): it subscribes once to the Redis
// pub/sub channel and re-broadcasts every message to each connected client,
// closing a client's connection on write failure. Delivery is best-effort —
// a client that disconnects simply misses messages until it reconnects and
// the next heartbeat snapshot brings it current.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/taskflow/broker/internal/eventbus"
)

// Manager tracks connected WebSocket clients and re-broadcasts every event
// bus message to all of them.
type Manager struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	redis     *redis.Client
	logger    *slog.Logger
}

// New creates a Manager. Call Run to start the Redis subscription loop.
func New(redisClient *redis.Client, logger *slog.Logger) *Manager {
	return &Manager{
		clients: make(map[*websocket.Conn]bool),
		redis:   redisClient,
		logger:  logger,
	}
}

// AddClient registers conn and drains its (unused) read side so a client
// disconnect is detected promptly; the connection is otherwise write-only
// from the server's perspective.
func (m *Manager) AddClient(conn *websocket.Conn) {
	m.clientsMu.Lock()
	m.clients[conn] = true
	count := len(m.clients)
	m.clientsMu.Unlock()
	m.logger.Info("websocket client connected", slog.Int("clients", count))

	go func() {
		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, conn)
			remaining := len(m.clients)
			m.clientsMu.Unlock()
			conn.Close()
			m.logger.Info("websocket client disconnected", slog.Int("clients", remaining))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// ClientCount returns the number of currently connected clients.
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// broadcast writes raw to every connected client, dropping (and closing) any
// client whose write fails.
func (m *Manager) broadcast(raw []byte) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			m.logger.Warn("websocket write failed, dropping client", slog.String("error", err.Error()))
			delete(m.clients, conn)
			conn.Close()
		}
	}
}

// Run subscribes to eventbus.Channel and re-broadcasts every message until
// ctx is cancelled or the subscription's channel closes.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.redis.Subscribe(ctx, eventbus.Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.broadcast([]byte(msg.Payload))
		}
	}
}
