package agent

import (
	"sync"

	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/coder/websocket"
)

// SocketRegistry tracks open websocket connections per client so they can
// be closed on shutdown.
type SocketRegistry struct {
	mu     sync.RWMutex
	active map[string]map[int64]*websocket.Conn
	nextID int64
}

// NewSocketRegistry creates an empty registry.
func NewSocketRegistry() *SocketRegistry {
	return &SocketRegistry{
		active: make(map[string]map[int64]*websocket.Conn),
	}
}

// Register adds conn for client and returns its connection id.
func (m *SocketRegistry) Register(client string, conn *websocket.Conn) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	if _, exists := m.active[client]; !exists {
		m.active[client] = make(map[int64]*websocket.Conn)
	}
	m.active[client][id] = conn
	logx.Debug().Str("client", client).Int64("conn_id", id).Msg("chat socket registered")
	return id
}

// Unregister removes a connection.
func (m *SocketRegistry) Unregister(client string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[client]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(m.active, client)
		}
	}
}

// Count returns the number of open connections.
func (m *SocketRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// CloseAll closes every registered connection with a going-away status.
func (m *SocketRegistry) CloseAll() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]map[int64]*websocket.Conn)
	m.mu.Unlock()

	for client, conns := range active {
		for id, conn := range conns {
			if err := conn.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
				logx.Debug().Err(err).Str("client", client).Int64("conn_id", id).Msg("failed to close chat socket")
			}
		}
	}
}
