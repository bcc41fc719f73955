// Package notify holds per-user notification queues and fans them out
// over WebSocket connections.
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const queueCap = 100 // per-user deque bound, oldest evicted

type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Module    string                 `json:"module,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	Read      bool                   `json:"read"`
	Timestamp string                 `json:"timestamp"`
}

// Manager owns the user deques and the connection registry. Target
// syntax: "broadcast", "user:<id>", "role:<role>".
type Manager struct {
	mu     sync.RWMutex
	queues map[string][]*Notification
	conns  map[string][]*Conn
	roles  map[string]string // user -> role, from session login
	logger *log.Logger

	sent    int64
	dropped int64
}

func NewManager() *Manager {
	return &Manager{
		queues: make(map[string][]*Notification),
		conns:  make(map[string][]*Conn),
		roles:  make(map[string]string),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// SetRole records a user's role for role: targeting. Called on login.
func (m *Manager) SetRole(user, role string) {
	m.mu.Lock()
	m.roles[user] = role
	m.mu.Unlock()
}

// Notify appends the notification to every targeted user's deque and
// pushes it to their live connections. Send failures are tolerated;
// the deque snapshot reconciles on reconnect.
func (m *Manager) Notify(target string, n *Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp == "" {
		n.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	m.mu.Lock()
	var users []string
	switch {
	case target == "broadcast":
		for u := range m.queues {
			users = append(users, u)
		}
		for u := range m.conns {
			if _, ok := m.queues[u]; !ok {
				users = append(users, u)
			}
		}
	case len(target) > 5 && target[:5] == "user:":
		users = []string{target[5:]}
	case len(target) > 5 && target[:5] == "role:":
		role := target[5:]
		for u, r := range m.roles {
			if r == role {
				users = append(users, u)
			}
		}
	}
	for _, u := range users {
		q := append(m.queues[u], n)
		if len(q) > queueCap {
			q = q[len(q)-queueCap:]
		}
		m.queues[u] = q
	}
	conns := make([]*Conn, 0)
	for _, u := range users {
		conns = append(conns, m.conns[u]...)
	}
	m.mu.Unlock()

	frame, err := json.Marshal(map[string]interface{}{
		"type":         "notification",
		"notification": n,
	})
	if err != nil {
		return
	}
	for _, c := range conns {
		if c.Push(frame) {
			atomic.AddInt64(&m.sent, 1)
		} else {
			atomic.AddInt64(&m.dropped, 1)
		}
	}
}

// Unread returns the user's unread notifications, oldest first.
func (m *Manager) Unread(user string) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for _, n := range m.queues[user] {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out
}

// MarkRead flags the given notification ids as read.
func (m *Manager) MarkRead(user string, ids []string) int {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	marked := 0
	for _, n := range m.queues[user] {
		if want[n.ID] && !n.Read {
			n.Read = true
			marked++
		}
	}
	return marked
}

// DropUser releases the deque when a session ends, so expired sessions
// do not retain notification state.
func (m *Manager) DropUser(user string) {
	m.mu.Lock()
	if len(m.conns[user]) == 0 {
		delete(m.queues, user)
		delete(m.roles, user)
	}
	m.mu.Unlock()
}

func (m *Manager) register(user string, c *Conn) {
	m.mu.Lock()
	m.conns[user] = append(m.conns[user], c)
	if _, ok := m.queues[user]; !ok {
		m.queues[user] = nil
	}
	m.mu.Unlock()
}

func (m *Manager) unregister(user string, c *Conn) {
	m.mu.Lock()
	list := m.conns[user]
	for i, other := range list {
		if other == c {
			m.conns[user] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.conns[user]) == 0 {
		delete(m.conns, user)
	}
	m.mu.Unlock()
}

// Stats feeds the monitor endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	users := len(m.queues)
	conns := 0
	for _, list := range m.conns {
		conns += len(list)
	}
	m.mu.RUnlock()
	return map[string]interface{}{
		"users":       users,
		"connections": conns,
		"sent":        atomic.LoadInt64(&m.sent),
		"dropped":     atomic.LoadInt64(&m.dropped),
	}
}
