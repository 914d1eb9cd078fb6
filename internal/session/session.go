// Package session holds ephemeral server-side admin sessions. A session is
// the sole authorization gate for the admin API and the realtime group.
package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned for a wrong password or a missing/expired
// session on a protected operation.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultTTL is how long a session stays valid after login.
const DefaultTTL = 12 * time.Hour

// Manager issues and validates session tokens. Sessions live only in
// memory: a restart logs every admin out, which is acceptable for a
// single-operator console.
type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	password string
	sessions map[string]time.Time // token → expiry
}

// NewManager creates a Manager checking logins against password.
// Zero ttl takes DefaultTTL.
func NewManager(password string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:      ttl,
		now:      time.Now,
		password: password,
		sessions: make(map[string]time.Time),
	}
}

// SetPassword swaps the admin password (config hot-reload). Existing
// sessions stay valid.
func (m *Manager) SetPassword(password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.password = password
}

// Login checks the password and returns a fresh session token.
func (m *Manager) Login(password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.password == "" ||
		subtle.ConstantTimeCompare([]byte(password), []byte(m.password)) != 1 {
		return "", ErrUnauthorized
	}
	m.sweepLocked()
	token := uuid.New().String()
	m.sessions[token] = m.now().Add(m.ttl)
	return token, nil
}

// Validate reports whether token belongs to a live session. Expired
// sessions are removed on the validation that observes them.
func (m *Manager) Validate(token string) bool {
	if token == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.sessions[token]
	if !ok {
		return false
	}
	if m.now().After(exp) {
		delete(m.sessions, token)
		return false
	}
	return true
}

// Logout destroys the session for token, if any.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// sweepLocked drops expired sessions. Called with mu held; login is rare
// enough that a full pass is fine.
func (m *Manager) sweepLocked() {
	now := m.now()
	for t, exp := range m.sessions {
		if now.After(exp) {
			delete(m.sessions, t)
		}
	}
}
