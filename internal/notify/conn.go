package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max message size per frame
	sendBuffer = 64               // Per-connection outbound channel buffer
)

// Conn wraps one WebSocket connection of a user. All writes go through
// the Send channel into writePump, so there is exactly one writer per
// socket. The caller (the API layer) owns the read loop.
type Conn struct {
	mgr  *Manager
	user string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Attach registers a connection, sends the unread snapshot and starts
// the write pump. The caller must run ReadLoop (or its own reader) and
// call Close when done.
func (m *Manager) Attach(user string, ws *websocket.Conn) *Conn {
	c := &Conn{
		mgr:  m,
		user: user,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	m.register(user, c)

	unread := m.Unread(user)
	if snapshot, err := json.Marshal(map[string]interface{}{
		"type":          "unread_notifications",
		"notifications": unread,
		"count":         len(unread),
	}); err == nil {
		c.Push(snapshot)
	}

	go c.writePump()
	slog.Info("notification socket attached", "user", user)
	return c
}

// Push queues a frame without blocking. Returns false when the buffer
// is full and the frame was dropped.
func (c *Conn) Push(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close shuts the connection down exactly once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.mgr.unregister(c.user, c)
		c.ws.Close()
		slog.Info("notification socket detached", "user", c.user)
	})
}

// User returns the owning user id.
func (c *Conn) User() string { return c.user }

// Socket exposes the underlying connection for the caller's read loop.
func (c *Conn) Socket() *websocket.Conn { return c.ws }

// writePump serializes all writes: queued frames and periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("notification write failed", "user", c.user, "error", err)
				return
			}
			// Drain queued frames in the same wakeup
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					slog.Warn("notification batch write failed", "user", c.user, "error", err)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// PrepareRead configures read limits and the pong handler; the API's
// read loop calls this before its first ReadMessage.
func (c *Conn) PrepareRead() {
	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}
