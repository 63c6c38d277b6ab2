package client

import (
	"encoding/json"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

func (c *Core) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad inbound json")
		return
	}

	switch head.Type {
	case protocol.TypeRoomState:
		c.handleRoomState(data)
	case protocol.TypeError:
		c.handleErrorMsg(data)
	default:
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("bad inbound envelope")
			return
		}
		switch env.Type {
		case protocol.KindLeave:
			c.handleLeave(env)
		case protocol.KindChat:
			c.emitChat(env.Room, env.From, env.Text)
		case protocol.KindOffer:
			c.handleOffer(env)
		case protocol.KindAnswer:
			c.handleAnswer(env)
		case protocol.KindCandidate:
			c.handleCandidate(env)
		}
	}
}

func (c *Core) handleRoomState(data []byte) {
	var msg protocol.RoomState
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad room state")
		return
	}
	c.mu.Lock()
	c.selfID = msg.Self
	c.members = make(map[string]domain.Member, len(msg.Members))
	for _, m := range msg.Members {
		c.members[m.Name] = m
	}
	c.mu.Unlock()
	c.emitMembers(msg.Room, msg.Members)
}

func (c *Core) handleErrorMsg(data []byte) {
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	c.emitError(msg.Error, msg.Detail)
}

// handleLeave covers both an explicit leave and the relay's synthetic
// leave after a transport drop. If the departed member was our
// negotiation peer, we close our side too instead of waiting for a
// timeout.
func (c *Core) handleLeave(env *protocol.Envelope) {
	c.mu.Lock()
	_, present := c.members[env.From]
	delete(c.members, env.From)
	members := membersSnapshot(c.members)
	others := 0
	for name := range c.members {
		if name != c.name {
			others++
		}
	}
	// Before the answer lands the peer's identity is unknown; the
	// leaver was necessarily the counterpart only when no other member
	// remains. Another member's leave must not tear down the share.
	wasPeer := c.state != core.NegotiationIdle &&
		(c.peerName == env.From || (c.peerName == "" && present && others == 0))
	closed := false
	if wasPeer {
		closed = c.teardownLocked()
		c.peerName = ""
	}
	c.mu.Unlock()

	c.emitMembers(env.Room, members)
	if closed {
		c.emitNegotiation(env.From, core.NegotiationClosed, "")
	}
}

// handleOffer is the answering side of the state machine, including
// glare resolution: if our own offer is outstanding and our session id
// sorts greater, we discard it and treat the incoming offer as
// authoritative.
func (c *Core) handleOffer(env *protocol.Envelope) {
	c.mu.Lock()
	peerID := ""
	if m, ok := c.members[env.From]; ok {
		peerID = string(m.ID)
	}
	if c.offerPending {
		if c.selfID != "" && peerID != "" && c.selfID < peerID {
			// We won the glare race; the relay should not have
			// forwarded this offer. Ignore it.
			c.mu.Unlock()
			return
		}
		log.Debug().Str("module", "client").Str("peer", env.From).Msg("glare: yielding to incoming offer")
		if c.peer != nil {
			c.peer.close()
			c.peer = nil
		}
		c.offerPending = false
	}

	if err := c.ensurePeerLocked(); err != nil {
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return
	}
	if c.media != nil {
		if err := c.peer.addTracks(c.media.Tracks()); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("re-add local tracks")
		}
	}
	c.state = core.NegotiationOffered
	c.peerName = env.From
	room, name := c.room, c.name

	answer, err := c.peer.applyOfferAndAnswer(env.SDP)
	if err != nil {
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return
	}
	c.flushCandidatesLocked()
	c.state = core.NegotiationConnected
	c.mu.Unlock()

	c.emitNegotiation(env.From, core.NegotiationOffered, env.SDP)
	if err := c.send(&protocol.Envelope{Type: protocol.KindAnswer, Room: room, From: name, SDP: answer}); err != nil {
		c.emitError("internal", err.Error())
		return
	}
	c.emitNegotiation(env.From, core.NegotiationConnected, "")
}

func (c *Core) handleAnswer(env *protocol.Envelope) {
	c.mu.Lock()
	if !c.offerPending || c.peer == nil {
		c.mu.Unlock()
		c.emitError("illegal_negotiation_transition", "answer without outstanding offer")
		return
	}
	if err := c.peer.applyAnswer(env.SDP); err != nil {
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return
	}
	c.flushCandidatesLocked()
	c.offerPending = false
	c.state = core.NegotiationConnected
	c.peerName = env.From
	c.mu.Unlock()

	c.emitNegotiation(env.From, core.NegotiationConnected, "")
}

// handleCandidate applies the candidate if the remote description is
// set, otherwise buffers it; buffered candidates are applied in
// receipt order right after the description lands.
func (c *Core) handleCandidate(env *protocol.Envelope) {
	c.mu.Lock()
	if c.peer == nil || !c.peer.remoteSet {
		c.pending = append(c.pending, env.Candidate)
		c.mu.Unlock()
		return
	}
	err := c.peer.addCandidate(env.Candidate)
	c.mu.Unlock()
	if err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("add candidate")
	}
}

func (c *Core) flushCandidatesLocked() {
	for _, raw := range c.pending {
		if err := c.peer.addCandidate(raw); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("flush candidate")
		}
	}
	c.pending = nil
}

func membersSnapshot(m map[string]domain.Member) []domain.Member {
	out := make([]domain.Member, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
