package app

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

var ErrIllegalTransition = errors.New("illegal negotiation transition")

// BufferedCandidate is an ICE candidate held back because it arrived
// before the offer it belongs to. From is the original sender, so the
// router can deliver it to the right side when it is flushed.
type BufferedCandidate struct {
	From domain.SessionID
	Raw  json.RawMessage
}

// OfferResult tells the router what to do with an inbound offer.
// Relay=false without an error means the offer lost a glare race and
// was discarded; the sender will answer the surviving offer instead.
type OfferResult struct {
	Relay bool
	Flush []BufferedCandidate
}

type pairKey struct {
	room domain.RoomID
	a, b domain.SessionID
}

func newPairKey(room domain.RoomID, x, y domain.SessionID) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{room: room, a: x, b: y}
}

func (k pairKey) peerOf(sid domain.SessionID) domain.SessionID {
	if k.a == sid {
		return k.b
	}
	return k.a
}

type pair struct {
	mu      sync.Mutex
	state   core.NegotiationState
	offerer domain.SessionID
	pending []BufferedCandidate
	timer   *time.Timer
	gen     uint64
}

// Negotiator tracks at most one active negotiation per (room, session
// pair). Each pair serializes on its own mutex; the table lock guards
// only map access, so rooms never contend with each other.
type Negotiator struct {
	mu      sync.RWMutex
	pairs   map[pairKey]*pair
	timeout time.Duration
}

// NewNegotiator creates the pair table. timeout bounds how long a pair
// may sit in Offered with no answer before it falls back to Idle and a
// re-offer becomes possible.
func NewNegotiator(timeout time.Duration) *Negotiator {
	return &Negotiator{pairs: make(map[pairKey]*pair), timeout: timeout}
}

func (n *Negotiator) getOrCreate(k pairKey) *pair {
	n.mu.RLock()
	p, ok := n.pairs[k]
	n.mu.RUnlock()
	if ok {
		return p
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok = n.pairs[k]; !ok {
		p = &pair{state: core.NegotiationIdle}
		n.pairs[k] = p
	}
	return p
}

func (n *Negotiator) get(k pairKey) (*pair, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.pairs[k]
	return p, ok
}

// armTimerLocked (re)starts the no-answer timer. The generation check
// makes a stale fire a no-op even if it was already running when the
// pair transitioned.
func (n *Negotiator) armTimerLocked(k pairKey, p *pair) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(n.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen || p.state != core.NegotiationOffered {
			return
		}
		p.state = core.NegotiationIdle
		p.offerer = ""
		p.pending = nil
		log.Debug().Str("module", "app.negotiation").
			Str("room", string(k.room)).
			Str("a", string(k.a)).Str("b", string(k.b)).
			Msg("offer timed out, pair back to idle")
	})
}

func (p *pair) disarmTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
}

// Offer validates an inbound offer from `from` toward `to`.
//
// Idle pairs move to Offered and release any candidates buffered while
// idle. A repeat offer from the current offerer replaces the previous
// one. Concurrent offers from both sides (glare) resolve
// deterministically: the lexicographically smaller session id keeps
// the offerer role, the other side's offer is dropped and it answers
// instead. A Connected pair treats a new offer as renegotiation.
func (n *Negotiator) Offer(room domain.RoomID, from, to domain.SessionID) (OfferResult, error) {
	k := newPairKey(room, from, to)
	p := n.getOrCreate(k)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case core.NegotiationIdle, core.NegotiationClosed, core.NegotiationConnected:
		prev := p.state
		p.state = core.NegotiationOffered
		p.offerer = from
		flush := p.pending
		p.pending = nil
		n.armTimerLocked(k, p)
		log.Debug().Str("module", "app.negotiation").
			Str("room", string(room)).Str("offerer", string(from)).
			Str("was", prev.String()).Msg("pair offered")
		return OfferResult{Relay: true, Flush: flush}, nil

	case core.NegotiationOffered:
		if from == p.offerer {
			// Re-offer before the answer: supersedes the previous one.
			n.armTimerLocked(k, p)
			return OfferResult{Relay: true}, nil
		}
		// Glare. The smaller session id wins the offerer role.
		if from < p.offerer {
			p.offerer = from
			n.armTimerLocked(k, p)
			log.Debug().Str("module", "app.negotiation").
				Str("room", string(room)).Str("offerer", string(from)).
				Msg("glare resolved, offerer replaced")
			return OfferResult{Relay: true}, nil
		}
		log.Debug().Str("module", "app.negotiation").
			Str("room", string(room)).Str("loser", string(from)).
			Msg("glare resolved, offer discarded")
		return OfferResult{Relay: false}, nil
	}
	return OfferResult{}, ErrIllegalTransition
}

// Answer validates an inbound answer. Legal only while Offered and
// only from the non-offering side; the pair then becomes Connected and
// the no-answer timer is cancelled.
func (n *Negotiator) Answer(room domain.RoomID, from, to domain.SessionID) error {
	k := newPairKey(room, from, to)
	p, ok := n.get(k)
	if !ok {
		return ErrIllegalTransition
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != core.NegotiationOffered || from == p.offerer {
		return ErrIllegalTransition
	}
	p.state = core.NegotiationConnected
	p.disarmTimerLocked()
	log.Debug().Str("module", "app.negotiation").
		Str("room", string(room)).
		Str("a", string(k.a)).Str("b", string(k.b)).
		Msg("pair connected")
	return nil
}

// Candidate decides whether an inbound ICE candidate can be relayed
// now. While the pair is still Idle the candidate is buffered in
// receipt order and relayed when the offer arrives; otherwise it is
// passed through immediately.
func (n *Negotiator) Candidate(room domain.RoomID, from, to domain.SessionID, raw json.RawMessage) (relay bool) {
	k := newPairKey(room, from, to)
	p := n.getOrCreate(k)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == core.NegotiationIdle {
		p.pending = append(p.pending, BufferedCandidate{From: from, Raw: raw})
		return false
	}
	return true
}

// PeerOf reports the counterpart of sid's existing pair in the room,
// if any. A pair that has progressed past Idle wins over one that only
// holds buffered candidates; remaining ties break toward the smaller
// peer id so the answer is deterministic.
func (n *Negotiator) PeerOf(room domain.RoomID, sid domain.SessionID) (domain.SessionID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var best domain.SessionID
	bestActive := false
	found := false
	for k, p := range n.pairs {
		if k.room != room || (k.a != sid && k.b != sid) {
			continue
		}
		peer := k.peerOf(sid)
		p.mu.Lock()
		active := p.state != core.NegotiationIdle
		p.mu.Unlock()
		switch {
		case !found, active && !bestActive, active == bestActive && peer < best:
			best, bestActive, found = peer, active, true
		}
	}
	return best, found
}

// StateOf reports the pair's current state, NegotiationIdle if the
// pair has never negotiated or was torn down.
func (n *Negotiator) StateOf(room domain.RoomID, x, y domain.SessionID) core.NegotiationState {
	p, ok := n.get(newPairKey(room, x, y))
	if !ok {
		return core.NegotiationIdle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CloseSession forces every pair involving sid in the room to Closed:
// timers cancelled, buffered candidates discarded, pair removed. It
// returns the peer of each pair that was actually open, so the caller
// can notify them. Safe to call for a session with no pairs.
func (n *Negotiator) CloseSession(room domain.RoomID, sid domain.SessionID) []domain.SessionID {
	n.mu.Lock()
	closed := make(map[pairKey]*pair)
	for k, p := range n.pairs {
		if k.room == room && (k.a == sid || k.b == sid) {
			closed[k] = p
			delete(n.pairs, k)
		}
	}
	n.mu.Unlock()

	peers := make([]domain.SessionID, 0, len(closed))
	for k, p := range closed {
		p.mu.Lock()
		p.disarmTimerLocked()
		p.state = core.NegotiationClosed
		p.pending = nil
		p.mu.Unlock()
		peers = append(peers, k.peerOf(sid))
		log.Debug().Str("module", "app.negotiation").
			Str("room", string(room)).
			Str("a", string(k.a)).Str("b", string(k.b)).
			Msg("pair closed")
	}
	return peers
}
