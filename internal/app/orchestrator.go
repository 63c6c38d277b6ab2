// Package app implements the relay core: the room registry, the relay
// router, the negotiation state machine and the session lifecycle
// orchestration tying them together.
package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

// Orchestrator owns a session's membership and negotiation state
// together. It is the single entry point for inbound envelopes and for
// transport-level disconnects, and guarantees that either teardown
// path closes negotiations before membership is removed.
type Orchestrator struct {
	Sessions *SessionTable
	Rooms    *Registry
	Pairs    *Negotiator
	Router   *Router
}

// Dispatch decodes and executes one inbound frame. The returned error
// is for the adapter to report back to the sender; no error here is
// fatal to the connection or to any other session.
func (o *Orchestrator) Dispatch(sid domain.SessionID, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch env.Type {
	case protocol.KindJoin:
		return o.Join(sid, domain.RoomID(env.Room), env.From)
	case protocol.KindLeave:
		return o.Leave(sid)
	default:
		room, ok := o.Sessions.RoomOf(sid)
		if !ok || room != domain.RoomID(env.Room) {
			return ErrNotInRoom
		}
		return o.Router.Route(env, data, sid)
	}
}

// Join adds the session to the room and broadcasts the post-join
// membership snapshot to every member, each with its own session id
// filled in. Joining the room you are already in collapses to the
// broadcast alone; joining a different room leaves the old one first.
func (o *Orchestrator) Join(sid domain.SessionID, room domain.RoomID, name string) error {
	member, err := domain.NewMember(sid, name)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedEnvelope, err)
	}

	conn, ok := o.Sessions.Conn(sid)
	if !ok {
		// Transport vanished before the join was processed.
		return nil
	}

	if current, ok := o.Sessions.RoomOf(sid); ok && current != room {
		if err := o.Leave(sid); err != nil {
			return err
		}
	}

	o.Rooms.Join(room, sid, core.NewSession(member, conn))
	if !o.Sessions.SetRoom(sid, room, member) {
		o.Rooms.Leave(room, sid)
		return nil
	}

	log.Info().Str("module", "app.orchestrator").
		Str("sid", string(sid)).Str("room", string(room)).
		Str("name", name).Msg("joined room")

	o.broadcastRoomState(room)
	return nil
}

// Leave is the double-sided teardown: negotiations involving the
// session are forced to Closed first, membership is removed, and the
// remaining members receive exactly one synthetic leave envelope so
// their own state machines close instead of waiting for a timeout.
// Idempotent; leaving with no room joined is a no-op.
func (o *Orchestrator) Leave(sid domain.SessionID) error {
	room, ok := o.Sessions.RoomOf(sid)
	if !ok {
		return nil
	}
	member, _ := o.Sessions.MemberOf(sid)

	peers := o.Pairs.CloseSession(room, sid)
	o.Sessions.ClearRoom(sid)
	was := o.Rooms.Leave(room, sid)

	log.Info().Str("module", "app.orchestrator").
		Str("sid", string(sid)).Str("room", string(room)).
		Int("pairs_closed", len(peers)).Msg("left room")

	if !was {
		return nil
	}

	leave := &protocol.Envelope{
		Type: protocol.KindLeave,
		Room: string(room),
		From: member.Name,
	}
	data, err := protocol.Encode(leave)
	if err != nil {
		return err
	}
	for _, m := range o.Rooms.MembersOf(room) {
		if err := m.Session.Signal().TrySend(core.Frame{Data: data, Critical: true}); err != nil {
			log.Debug().Err(err).Str("module", "app.orchestrator").
				Str("sid", string(m.SID)).Msg("leave broadcast: recipient unreachable")
		}
	}

	o.broadcastRoomState(room)
	return nil
}

// Disconnect handles a transport drop with no explicit leave. Timers
// and negotiations are cancelled synchronously before the session
// leaves the table, so no stale callback can reference it.
func (o *Orchestrator) Disconnect(sid domain.SessionID) {
	if err := o.Leave(sid); err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").
			Str("sid", string(sid)).Msg("teardown on disconnect")
	}
	o.Sessions.Cancel(sid)
	o.Sessions.Unbind(sid)
}

func (o *Orchestrator) broadcastRoomState(room domain.RoomID) {
	snapshot := o.Rooms.Snapshot(room)
	for _, m := range o.Rooms.MembersOf(room) {
		msg := protocol.RoomState{
			Type:    protocol.TypeRoomState,
			Room:    string(room),
			Self:    string(m.SID),
			Members: snapshot,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("module", "app.orchestrator").Msg("encode room state")
			return
		}
		if err := m.Session.Signal().TrySend(core.Frame{Data: data}); err != nil {
			log.Debug().Err(err).Str("module", "app.orchestrator").
				Str("sid", string(m.SID)).Msg("room state: recipient unreachable")
		}
	}
}

// ErrorKind maps a dispatch error to the wire error identifier sent
// back to the offending sender.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, protocol.ErrUnknownKind):
		return "unknown_envelope_kind"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_negotiation_transition"
	}
	return "internal"
}
