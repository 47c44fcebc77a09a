package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the frame pushed to clients.
type Message struct {
	Type string      `json:"type"`
	Room string      `json:"room,omitempty"`
	Data interface{} `json:"data"`
}

// Connection wraps websocket.Conn with its rooms. gorilla connections allow
// one concurrent writer, so writes go through writeMu.
type Connection struct {
	Conn   *websocket.Conn
	UserID string

	writeMu  sync.Mutex
	rooms    []string
	lastSeen time.Time
	seenMu   sync.Mutex
}

func (c *Connection) Touch() {
	c.seenMu.Lock()
	c.lastSeen = time.Now()
	c.seenMu.Unlock()
}

func (c *Connection) idle() time.Duration {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *Connection) write(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.Conn.WriteJSON(msg)
}

func (c *Connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second))
}

// Manager tracks live connections by room (user:{id}, account:{id}).
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
	// every live connection, for heartbeat and shutdown
	all    map[*Connection]struct{}
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]map[*Connection]struct{}),
		all:    make(map[*Connection]struct{}),
		logger: logger,
	}
}

func UserRoom(userID string) string       { return "user:" + userID }
func AccountRoom(accountID string) string { return "account:" + accountID }

// Add registers conn in the given rooms.
func (m *Manager) Add(userID string, conn *websocket.Conn, rooms ...string) *Connection {
	c := &Connection{Conn: conn, UserID: userID, rooms: rooms, lastSeen: time.Now()}

	m.mu.Lock()
	m.all[c] = struct{}{}
	for _, r := range rooms {
		if _, ok := m.rooms[r]; !ok {
			m.rooms[r] = make(map[*Connection]struct{})
		}
		m.rooms[r][c] = struct{}{}
	}
	total := len(m.all)
	m.mu.Unlock()

	m.logger.Info("ws connected", zap.String("user_id", userID), zap.Strings("rooms", rooms), zap.Int("total", total))
	return c
}

// Remove disconnects c and drops it from all rooms. Removing twice is a no-op.
func (m *Manager) Remove(c *Connection) {
	m.mu.Lock()
	if _, ok := m.all[c]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.all, c)
	for _, r := range c.rooms {
		if conns, ok := m.rooms[r]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(m.rooms, r)
			}
		}
	}
	m.mu.Unlock()

	_ = c.Conn.Close()
	m.logger.Info("ws disconnected", zap.String("user_id", c.UserID))
}

// members returns the distinct connections across rooms.
func (m *Manager) members(rooms ...string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[*Connection]struct{})
	var out []*Connection
	for _, r := range rooms {
		for c := range m.rooms[r] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// SendRooms writes msg once to every connection in any of rooms and returns
// how many received it. Connections that fail the write are removed.
func (m *Manager) SendRooms(msg Message, rooms ...string) int {
	if len(rooms) > 0 {
		msg.Room = rooms[0]
	}
	sent := 0
	for _, c := range m.members(rooms...) {
		if err := c.write(msg); err != nil {
			m.logger.Warn("ws send failed", zap.Strings("rooms", rooms), zap.Error(err))
			go m.Remove(c)
			continue
		}
		sent++
	}
	return sent
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.all)
}

// Heartbeat pings every connection each interval and drops the ones that
// have not answered for two intervals. It returns when ctx is done.
func (m *Manager) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		conns := make([]*Connection, 0, len(m.all))
		for c := range m.all {
			conns = append(conns, c)
		}
		m.mu.RUnlock()

		for _, c := range conns {
			if c.idle() > 2*interval {
				m.Remove(c)
				continue
			}
			if err := c.ping(); err != nil {
				m.Remove(c)
			}
		}
	}
}

// CloseAll disconnects every client, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.all))
	for c := range m.all {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		m.Remove(c)
	}
}
