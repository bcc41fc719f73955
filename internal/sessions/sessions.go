// Package sessions caps the office at fifteen concurrent operators and
// expires idle sessions. State is in-memory only; a restart logs
// everyone out, which is the intended behaviour.
package sessions

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nyxlight/backend/internal/apperr"
)

type Session struct {
	ID           string
	UserID       string
	DisplayName  string
	CreatedAt    time.Time
	LastActive   time.Time
	ActiveClient string
	Messages     int
	Proposals    int
	Approvals    int
}

// Manager guards the session table with one mutex. Garbage collection
// runs on every Create and Get, so no background goroutine is needed.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*Session
	byUser  map[string]string // user -> session id
	max     int
	idleTTL time.Duration
	now     func() time.Time
	logger  *log.Logger
	created int64
	expired int64
	refused int64
}

func NewManager(maxSessions, idleMinutes int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 15
	}
	if idleMinutes <= 0 {
		idleMinutes = 60
	}
	return &Manager{
		byID:    make(map[string]*Session),
		byUser:  make(map[string]string),
		max:     maxSessions,
		idleTTL: time.Duration(idleMinutes) * time.Minute,
		now:     time.Now,
		logger:  log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
}

// Create returns the user's live session if one exists, otherwise a
// fresh one, or an error once the cap is reached. The cap counts live
// sessions, idle or not.
func (m *Manager) Create(userID, displayName string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc()

	if id, ok := m.byUser[userID]; ok {
		if s, ok := m.byID[id]; ok {
			s.LastActive = m.now()
			return s, nil
		}
	}
	if len(m.byID) >= m.max {
		m.refused++
		m.logger.Printf("odbijena %d. sesija (limit %d)", len(m.byID)+1, m.max)
		return nil, apperr.Newf(apperr.QueueFull, "dosegnut je limit od %d istovremenih sesija", m.max)
	}

	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   m.now(),
		LastActive:  m.now(),
	}
	m.byID[s.ID] = s
	m.byUser[userID] = s.ID
	m.created++
	return s, nil
}

// Get returns the session and refreshes its idle clock, or NotFound
// when the id is unknown or expired.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc()

	s, ok := m.byID[sessionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "sesija ne postoji ili je istekla")
	}
	s.LastActive = m.now()
	return s, nil
}

// End removes the session explicitly.
func (m *Manager) End(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		delete(m.byID, sessionID)
		delete(m.byUser, s.UserID)
	}
}

func (m *Manager) SetActiveClient(sessionID, client string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return apperr.New(apperr.NotFound, "sesija ne postoji ili je istekla")
	}
	s.ActiveClient = client
	s.LastActive = m.now()
	return nil
}

func (m *Manager) RecordMessage(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		s.Messages++
		s.LastActive = m.now()
	}
}

func (m *Manager) RecordBooking(sessionID string, approved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		s.Proposals++
		if approved {
			s.Approvals++
		}
		s.LastActive = m.now()
	}
}

// Active returns the current live session count.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc()
	return len(m.byID)
}

// gc drops sessions idle past the TTL. Caller holds the mutex.
func (m *Manager) gc() {
	cutoff := m.now().Add(-m.idleTTL)
	for id, s := range m.byID {
		if s.LastActive.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byUser, s.UserID)
			m.expired++
		}
	}
}

// Stats feeds the monitor endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gc()
	return map[string]interface{}{
		"active":  len(m.byID),
		"max":     m.max,
		"created": m.created,
		"expired": m.expired,
		"refused": m.refused,
	}
}
