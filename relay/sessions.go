package relay

import (
	"sync"
	"time"
)

const (
	// DefaultSessionTTL is how long a session code stays joinable.
	DefaultSessionTTL = 10 * time.Minute
	// DefaultSweepInterval is how often expired sessions are purged.
	DefaultSweepInterval = 60 * time.Second
)

// Session binds a code to the connection that created it.
type Session struct {
	Code       string
	SenderID   string
	ReceiverID string
	CreatedAt  time.Time
}

// SessionTable is the relay's only shared mutable state.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionTable creates an empty table. A nil now uses time.Now.
func NewSessionTable(ttl time.Duration, now func() time.Time) *SessionTable {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionTable{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      now,
	}
}

// Create registers senderID for code, replacing any previous session.
func (t *SessionTable) Create(code, senderID string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	session := &Session{
		Code:      code,
		SenderID:  senderID,
		CreatedAt: t.now(),
	}
	t.sessions[code] = session
	return *session
}

// Join looks up a live session and binds receiverID to it if no receiver is
// bound yet. The returned session reflects the first receiver.
func (t *SessionTable) Join(code, receiverID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.lookupLocked(code)
	if !ok {
		return Session{}, false
	}
	if session.ReceiverID == "" {
		session.ReceiverID = receiverID
	}
	return *session, true
}

// Lookup returns a live session for code.
func (t *SessionTable) Lookup(code string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.lookupLocked(code)
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// RemoveSender deletes every session created by senderID and returns how many
// were removed.
func (t *SessionTable) RemoveSender(senderID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for code, session := range t.sessions {
		if session.SenderID == senderID {
			delete(t.sessions, code)
			removed++
		}
	}
	return removed
}

// Sweep deletes expired sessions and returns how many were removed.
func (t *SessionTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for code, session := range t.sessions {
		if t.expired(session, now) {
			delete(t.sessions, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, expired or not.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *SessionTable) lookupLocked(code string) (*Session, bool) {
	session, ok := t.sessions[code]
	if !ok {
		return nil, false
	}
	if t.expired(session, t.now()) {
		delete(t.sessions, code)
		return nil, false
	}
	return session, true
}

func (t *SessionTable) expired(session *Session, now time.Time) bool {
	return now.Sub(session.CreatedAt) > t.ttl
}
