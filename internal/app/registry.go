package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

// MemberSnap pairs a member's session id with its live session for
// routing fan-out.
type MemberSnap struct {
	SID     domain.SessionID
	Session core.Session
}

type roomState struct {
	mu      sync.Mutex
	members map[domain.SessionID]core.Session
	// dead marks a room removed from the table; a joiner holding a
	// stale pointer must re-fetch instead of populating the orphan.
	dead bool
}

// Registry is the process-wide room table. Rooms are created on first
// join and destroyed when the last member leaves. Each room serializes
// its own membership changes; different rooms never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*roomState)}
}

func (r *Registry) getOrCreate(id domain.RoomID) *roomState {
	r.mu.RLock()
	rm, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[id]; !ok {
		rm = &roomState{members: make(map[domain.SessionID]core.Session)}
		r.rooms[id] = rm
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	}
	return rm
}

// Join adds the session to the room, creating the room if absent, and
// returns the post-join membership snapshot for informational
// broadcast.
func (r *Registry) Join(id domain.RoomID, sid domain.SessionID, sess core.Session) []domain.Member {
	for {
		rm := r.getOrCreate(id)
		rm.mu.Lock()
		if rm.dead {
			// Lost a race with the last leave destroying this room
			// between the table lookup and taking its lock. Retry
			// against the table; the next lookup creates a live room.
			rm.mu.Unlock()
			continue
		}
		rm.members[sid] = sess
		snap := snapshotLocked(rm)
		rm.mu.Unlock()
		return snap
	}
}

// Leave removes the session from the room. Leaving a room you are not
// in is a no-op, not an error. The last leave destroys the room.
// Reports whether the session was actually a member.
func (r *Registry) Leave(id domain.RoomID, sid domain.SessionID) bool {
	r.mu.RLock()
	rm, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	_, was := rm.members[sid]
	delete(rm.members, sid)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the table lock: a concurrent join may have
		// revived the room between the two critical sections.
		rm.mu.Lock()
		if len(rm.members) == 0 {
			rm.dead = true
			delete(r.rooms, id)
			log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room destroyed")
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}
	return was
}

// MembersOf returns the room's current sessions for routing. A missing
// room yields an empty slice.
func (r *Registry) MembersOf(id domain.RoomID) []MemberSnap {
	r.mu.RLock()
	rm, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]MemberSnap, 0, len(rm.members))
	for sid, sess := range rm.members {
		out = append(out, MemberSnap{SID: sid, Session: sess})
	}
	return out
}

// Snapshot returns the room's member identities, sorted by session id
// for stable output.
func (r *Registry) Snapshot(id domain.RoomID) []domain.Member {
	r.mu.RLock()
	rm, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return snapshotLocked(rm)
}

func snapshotLocked(rm *roomState) []domain.Member {
	out := make([]domain.Member, 0, len(rm.members))
	for _, sess := range rm.members {
		out = append(out, sess.Member())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
