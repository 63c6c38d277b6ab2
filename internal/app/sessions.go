package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

type sessionEntry struct {
	Conn   core.SignalConnection
	Room   domain.RoomID
	Member domain.Member
	Cancel context.CancelFunc
}

// SessionTable maps transport connections to their relay-facing state:
// the signaling endpoint, the room currently joined (at most one), and
// the cancel func tearing down the connection's pumps.
type SessionTable struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*sessionEntry
}

func NewSessionTable() *SessionTable {
	return &SessionTable{entries: make(map[domain.SessionID]*sessionEntry)}
}

// Bind registers a freshly connected transport. Called once per
// connection, before any envelope is processed.
func (t *SessionTable) Bind(sid domain.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sid] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Msg("bound session")
}

func (t *SessionTable) Unbind(sid domain.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, sid)
	log.Info().Str("module", "app.sessions").Str("sid", string(sid)).Msg("unbound session")
}

// Conn returns the session's signaling endpoint.
func (t *SessionTable) Conn(sid domain.SessionID) (core.SignalConnection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[sid]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// RoomOf returns the room the session has joined, if any.
func (t *SessionTable) RoomOf(sid domain.SessionID) (domain.RoomID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[sid]
	if !ok || e.Room == "" {
		return "", false
	}
	return e.Room, true
}

// MemberOf returns the identity declared at join time.
func (t *SessionTable) MemberOf(sid domain.SessionID) (domain.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[sid]
	if !ok || e.Room == "" {
		return domain.Member{}, false
	}
	return e.Member, true
}

// SetRoom records a successful join. Reports false for an unbound
// session (the transport vanished mid-join).
func (t *SessionTable) SetRoom(sid domain.SessionID, room domain.RoomID, m domain.Member) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sid]
	if !ok {
		return false
	}
	e.Room = room
	e.Member = m
	return true
}

// ClearRoom drops the room association, keeping the transport bound.
func (t *SessionTable) ClearRoom(sid domain.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[sid]; ok {
		e.Room = ""
		e.Member = domain.Member{}
	}
}

// Cancel fires the session's cancel func, stopping its pumps. The
// cancel itself is synchronous; pump exit is observed by the adapter.
func (t *SessionTable) Cancel(sid domain.SessionID) bool {
	t.mu.RLock()
	e, ok := t.entries[sid]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}
