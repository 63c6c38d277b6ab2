package client

import (
	"sync"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

// Events are the callbacks a UI layer registers to observe the core.
// Nil callbacks are skipped. Callbacks run on the core's read
// goroutine and must not block.
type Events struct {
	OnRoomMembersChanged func(room string, members []domain.Member)
	OnChatReceived       func(room, from, text string)
	OnNegotiationEvent   func(peer string, state core.NegotiationState, payload string)
	OnError              func(kind, detail string)
}

// Subscription is the handle returned by Subscribe. Close releases it
// on exactly one path; closing twice is a no-op.
type Subscription struct {
	core *Core
	id   int
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.core.subMu.Lock()
		delete(s.core.subs, s.id)
		s.core.subMu.Unlock()
	})
}

func (c *Core) Subscribe(ev Events) *Subscription {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = &ev
	return &Subscription{core: c, id: id}
}

func (c *Core) eachSub(fn func(*Events)) {
	c.subMu.RLock()
	list := make([]*Events, 0, len(c.subs))
	for _, ev := range c.subs {
		list = append(list, ev)
	}
	c.subMu.RUnlock()
	for _, ev := range list {
		fn(ev)
	}
}

func (c *Core) emitMembers(room string, members []domain.Member) {
	c.eachSub(func(ev *Events) {
		if ev.OnRoomMembersChanged != nil {
			ev.OnRoomMembersChanged(room, members)
		}
	})
}

func (c *Core) emitChat(room, from, text string) {
	c.eachSub(func(ev *Events) {
		if ev.OnChatReceived != nil {
			ev.OnChatReceived(room, from, text)
		}
	})
}

func (c *Core) emitNegotiation(peer string, state core.NegotiationState, payload string) {
	c.eachSub(func(ev *Events) {
		if ev.OnNegotiationEvent != nil {
			ev.OnNegotiationEvent(peer, state, payload)
		}
	})
}

func (c *Core) emitError(kind, detail string) {
	c.eachSub(func(ev *Events) {
		if ev.OnError != nil {
			ev.OnError(kind, detail)
		}
	})
}
