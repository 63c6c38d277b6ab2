package app

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

var ErrNotInRoom = errors.New("not in room")

// Router is the stateless relay logic: given an inbound envelope and
// the sender's session id, it picks the recipient set and forwards the
// encoded envelope verbatim. Signaling envelopes pass negotiation
// validation first; a rejected envelope is not relayed and the error
// surfaces to the sender only.
type Router struct {
	Rooms *Registry
	Pairs *Negotiator
}

// Route relays chat and signaling envelopes. raw is the sender's
// original encoding; recipients receive it untouched. A recipient that
// vanished between lookup and delivery is a no-op, never an error.
func (r *Router) Route(env *protocol.Envelope, raw []byte, from domain.SessionID) error {
	room := domain.RoomID(env.Room)
	members := r.Rooms.MembersOf(room)

	sender := false
	for _, m := range members {
		if m.SID == from {
			sender = true
			break
		}
	}
	if !sender {
		return ErrNotInRoom
	}

	switch env.Type {
	case protocol.KindChat:
		for _, m := range members {
			if m.SID == from {
				continue
			}
			r.deliver(m, core.Frame{Data: raw})
		}
		return nil

	case protocol.KindOffer:
		target, ok := r.negotiationTarget(room, from, members)
		if !ok {
			// Alone in the room; nobody to offer to.
			return nil
		}
		res, err := r.Pairs.Offer(room, from, target.SID)
		if err != nil {
			return err
		}
		if !res.Relay {
			return nil
		}
		r.deliver(target, core.Frame{Data: raw})
		r.flush(room, members, target.SID, from, res.Flush)
		return nil

	case protocol.KindAnswer:
		// Only the pair whose state admits the answer receives it. An
		// admission check that fails mutates nothing, so scanning the
		// other members in order is safe.
		for _, m := range members {
			if m.SID == from {
				continue
			}
			if err := r.Pairs.Answer(room, from, m.SID); err == nil {
				r.deliver(m, core.Frame{Data: raw})
				return nil
			}
		}
		return ErrIllegalTransition

	case protocol.KindCandidate:
		target, ok := r.negotiationTarget(room, from, members)
		if !ok {
			return nil
		}
		if r.Pairs.Candidate(room, from, target.SID, env.Candidate) {
			r.deliver(target, core.Frame{Data: raw})
		}
		return nil
	}

	// Join and leave are membership operations, handled by the
	// orchestrator before routing is ever consulted.
	return nil
}

// negotiationTarget picks the single counterpart an offer or candidate
// is directed at: the peer of the sender's existing pair when there is
// one, otherwise the sole other member. When several members qualify
// and no pair exists yet, the smallest session id is chosen so the
// pick is deterministic.
func (r *Router) negotiationTarget(room domain.RoomID, from domain.SessionID, members []MemberSnap) (MemberSnap, bool) {
	if peer, ok := r.Pairs.PeerOf(room, from); ok {
		for _, m := range members {
			if m.SID == peer {
				return m, true
			}
		}
	}
	var best MemberSnap
	found := false
	for _, m := range members {
		if m.SID == from {
			continue
		}
		if !found || m.SID < best.SID {
			best = m
			found = true
		}
	}
	return best, found
}

// flush delivers candidates buffered before the offer existed. Each
// one goes to the counterpart of its original sender within the pair
// (offerer, answerer).
func (r *Router) flush(room domain.RoomID, members []MemberSnap, answerer, offerer domain.SessionID, buffered []BufferedCandidate) {
	if len(buffered) == 0 {
		return
	}
	bySID := make(map[domain.SessionID]MemberSnap, len(members))
	for _, m := range members {
		bySID[m.SID] = m
	}
	for _, bc := range buffered {
		target := answerer
		if bc.From == answerer {
			target = offerer
		}
		m, ok := bySID[target]
		if !ok {
			continue
		}
		env := &protocol.Envelope{
			Type:      protocol.KindCandidate,
			Room:      string(room),
			From:      memberName(members, bc.From),
			Candidate: bc.Raw,
		}
		data, err := protocol.Encode(env)
		if err != nil {
			log.Error().Err(err).Str("module", "app.router").Msg("encode buffered candidate")
			continue
		}
		r.deliver(m, core.Frame{Data: data})
	}
}

func memberName(members []MemberSnap, sid domain.SessionID) string {
	for _, m := range members {
		if m.SID == sid {
			return m.Session.Member().Name
		}
	}
	return ""
}

func (r *Router) deliver(m MemberSnap, f core.Frame) {
	if err := m.Session.Signal().TrySend(f); err != nil {
		// Leave/disconnect races are expected; the peer is simply gone.
		log.Debug().Err(err).Str("module", "app.router").
			Str("sid", string(m.SID)).Msg("recipient unreachable")
	}
}
