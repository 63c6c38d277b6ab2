package app

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

// fakeSignal records every frame a session would have been sent.
type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// received returns the decoded envelopes of the given kind, in order.
func (f *fakeSignal) received(kind protocol.Kind) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, fr := range f.frames {
		env, err := protocol.Decode(fr.Data)
		if err != nil {
			continue // room_state and error messages fail envelope decode
		}
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

func newTestOrch() *Orchestrator {
	rooms := NewRegistry()
	pairs := NewNegotiator(time.Minute)
	return &Orchestrator{
		Sessions: NewSessionTable(),
		Rooms:    rooms,
		Pairs:    pairs,
		Router:   &Router{Rooms: rooms, Pairs: pairs},
	}
}

func join(t *testing.T, o *Orchestrator, sid domain.SessionID, room, name string) *fakeSignal {
	t.Helper()
	conn := &fakeSignal{}
	o.Sessions.Bind(sid, conn, func() {})
	data := fmt.Sprintf(`{"type":"join","room":%q,"from":%q}`, room, name)
	if err := o.Dispatch(sid, []byte(data)); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return conn
}

func TestChatRoutingCompleteness(t *testing.T) {
	o := newTestOrch()
	a := join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")
	c := join(t, o, "c", "r1", "carol")

	chat := []byte(`{"type":"chat","room":"r1","from":"alice","text":"hi"}`)
	if err := o.Dispatch("a", chat); err != nil {
		t.Fatalf("dispatch chat: %v", err)
	}

	if got := a.received(protocol.KindChat); len(got) != 0 {
		t.Errorf("sender received its own chat: %d", len(got))
	}
	for name, conn := range map[string]*fakeSignal{"bob": b, "carol": c} {
		got := conn.received(protocol.KindChat)
		if len(got) != 1 || got[0].Text != "hi" {
			t.Errorf("%s received %d chats, want exactly 1", name, len(got))
		}
	}
}

func TestNotInRoomRejected(t *testing.T) {
	o := newTestOrch()
	conn := &fakeSignal{}
	o.Sessions.Bind("x", conn, func() {})

	err := o.Dispatch("x", []byte(`{"type":"chat","room":"r1","from":"mallory","text":"hi"}`))
	if !errors.Is(err, ErrNotInRoom) {
		t.Errorf("err = %v, want ErrNotInRoom", err)
	}
}

func TestWrongRoomRejected(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")

	err := o.Dispatch("a", []byte(`{"type":"chat","room":"r2","from":"alice","text":"hi"}`))
	if !errors.Is(err, ErrNotInRoom) {
		t.Errorf("err = %v, want ErrNotInRoom", err)
	}
}

func TestAnswerWithoutOfferNotRelayed(t *testing.T) {
	o := newTestOrch()
	a := join(t, o, "a", "r1", "alice")
	join(t, o, "b", "r1", "bob")

	err := o.Dispatch("b", []byte(`{"type":"answer","room":"r1","from":"bob","sdp":"v=0"}`))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	if got := a.received(protocol.KindAnswer); len(got) != 0 {
		t.Errorf("illegal answer was relayed: %d", len(got))
	}
}

func TestSignalingFlowReachesPeer(t *testing.T) {
	o := newTestOrch()
	a := join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	if err := o.Dispatch("a", []byte(`{"type":"offer","room":"r1","from":"alice","sdp":"v=0 offer"}`)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := b.received(protocol.KindOffer); len(got) != 1 || got[0].SDP != "v=0 offer" {
		t.Fatalf("bob offers = %+v, want the relayed offer", got)
	}

	if err := o.Dispatch("b", []byte(`{"type":"answer","room":"r1","from":"bob","sdp":"v=0 answer"}`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := a.received(protocol.KindAnswer); len(got) != 1 || got[0].SDP != "v=0 answer" {
		t.Fatalf("alice answers = %+v, want the relayed answer", got)
	}

	if got := o.Pairs.StateOf("r1", "a", "b"); got != core.NegotiationConnected {
		t.Errorf("pair state = %v, want connected", got)
	}
}

func TestCandidateBufferedUntilOffer(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	// Candidates race ahead of the offer: held, not relayed.
	for i := 1; i <= 3; i++ {
		data := fmt.Sprintf(`{"type":"candidate","room":"r1","from":"alice","candidate":{"n":%d}}`, i)
		if err := o.Dispatch("a", []byte(data)); err != nil {
			t.Fatalf("candidate %d: %v", i, err)
		}
	}
	if got := b.received(protocol.KindCandidate); len(got) != 0 {
		t.Fatalf("candidates relayed before offer: %d", len(got))
	}

	if err := o.Dispatch("a", []byte(`{"type":"offer","room":"r1","from":"alice","sdp":"v=0"}`)); err != nil {
		t.Fatalf("offer: %v", err)
	}

	got := b.received(protocol.KindCandidate)
	if len(got) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(got))
	}
	for i, env := range got {
		want := fmt.Sprintf(`{"n":%d}`, i+1)
		if string(env.Candidate) != want {
			t.Errorf("candidate %d = %s, want %s (receipt order)", i, env.Candidate, want)
		}
	}
}

func TestTeardownSymmetryOnDisconnect(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	if err := o.Dispatch("a", []byte(`{"type":"offer","room":"r1","from":"alice","sdp":"v=0"}`)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := o.Dispatch("b", []byte(`{"type":"answer","room":"r1","from":"bob","sdp":"v=0"}`)); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// Transport drop, no explicit leave.
	o.Disconnect("a")

	leaves := b.received(protocol.KindLeave)
	if len(leaves) != 1 || leaves[0].From != "alice" {
		t.Fatalf("bob got %d synthetic leaves (%+v), want exactly 1 for alice", len(leaves), leaves)
	}
	if got := o.Pairs.StateOf("r1", "a", "b"); got == core.NegotiationConnected || got == core.NegotiationOffered {
		t.Errorf("pair still active after disconnect: %v", got)
	}
	if _, ok := o.Sessions.RoomOf("a"); ok {
		t.Error("disconnected session still has a room")
	}

	members := o.Rooms.Snapshot("r1")
	if len(members) != 1 || members[0].Name != "bob" {
		t.Errorf("room members = %+v, want [bob]", members)
	}
}

func TestLeaveIdempotentNoDuplicateBroadcast(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	leave := []byte(`{"type":"leave","room":"r1","from":"alice"}`)
	if err := o.Dispatch("a", leave); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := o.Dispatch("a", leave); err != nil {
		t.Fatalf("second leave: %v", err)
	}

	if got := b.received(protocol.KindLeave); len(got) != 1 {
		t.Errorf("bob got %d leave broadcasts, want 1", len(got))
	}
}

func TestRejoinSameRoomCollapses(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	// The original UI mounts two components that both emit a join for
	// the same room; set semantics must absorb it.
	if err := o.Dispatch("a", []byte(`{"type":"join","room":"r1","from":"alice"}`)); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if members := o.Rooms.Snapshot("r1"); len(members) != 1 {
		t.Errorf("members after duplicate join = %+v", members)
	}
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	if err := o.Dispatch("a", []byte(`{"type":"join","room":"r2","from":"alice"}`)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if members := o.Rooms.Snapshot("r1"); len(members) != 0 {
		t.Errorf("old room still has members: %+v", members)
	}
	if members := o.Rooms.Snapshot("r2"); len(members) != 1 {
		t.Errorf("new room members = %+v", members)
	}
}

func TestMalformedAndUnknownDropped(t *testing.T) {
	o := newTestOrch()
	join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	if err := o.Dispatch("a", []byte(`not json`)); !errors.Is(err, protocol.ErrMalformedEnvelope) {
		t.Errorf("malformed: err = %v", err)
	}
	if err := o.Dispatch("a", []byte(`{"type":"mystery","room":"r1","from":"alice"}`)); !errors.Is(err, protocol.ErrUnknownKind) {
		t.Errorf("unknown: err = %v", err)
	}
	if n := len(b.received(protocol.KindChat)) + len(b.received(protocol.KindOffer)); n != 0 {
		t.Errorf("dropped envelopes reached bob: %d", n)
	}
}

func TestAnswerInThreeMemberRoom(t *testing.T) {
	o := newTestOrch()
	a := join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")
	c := join(t, o, "c", "r1", "carol")

	if err := o.Dispatch("a", []byte(`{"type":"offer","room":"r1","from":"alice","sdp":"v=0"}`)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	// Negotiation is 1:1: the offer reaches a single counterpart (the
	// smallest session id when no pair exists yet), not the whole room.
	if got := b.received(protocol.KindOffer); len(got) != 1 {
		t.Fatalf("bob offers = %d, want 1", len(got))
	}
	if got := c.received(protocol.KindOffer); len(got) != 0 {
		t.Fatalf("carol received an offer meant for bob: %d", len(got))
	}

	if err := o.Dispatch("b", []byte(`{"type":"answer","room":"r1","from":"bob","sdp":"v=0"}`)); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := a.received(protocol.KindAnswer); len(got) != 1 {
		t.Errorf("alice answers = %d, want exactly 1", len(got))
	}
	if got := c.received(protocol.KindAnswer); len(got) != 0 {
		t.Errorf("carol received bob's answer: %d", len(got))
	}
	if got := o.Pairs.StateOf("r1", "a", "b"); got != core.NegotiationConnected {
		t.Errorf("pair (a,b) = %v, want connected", got)
	}
	// No stray pair was opened toward the uninvolved member.
	if got := o.Pairs.StateOf("r1", "a", "c"); got != core.NegotiationIdle {
		t.Errorf("pair (a,c) = %v, want idle", got)
	}

	// An answer from the uninvolved member admits no pair: rejected to
	// the sender only, relayed to nobody.
	err := o.Dispatch("c", []byte(`{"type":"answer","room":"r1","from":"carol","sdp":"v=0"}`))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("carol answer: err = %v, want ErrIllegalTransition", err)
	}
	if got := a.received(protocol.KindAnswer); len(got) != 1 {
		t.Errorf("carol's rejected answer reached alice: %d answers", len(got))
	}
}

func TestGlareEndToEnd(t *testing.T) {
	o := newTestOrch()
	a := join(t, o, "a", "r1", "alice")
	b := join(t, o, "b", "r1", "bob")

	// Both sides offer within the same window. "a" < "b", so bob's
	// offer is discarded and only alice's reaches bob.
	if err := o.Dispatch("a", []byte(`{"type":"offer","room":"r1","from":"alice","sdp":"from-alice"}`)); err != nil {
		t.Fatalf("alice offer: %v", err)
	}
	if err := o.Dispatch("b", []byte(`{"type":"offer","room":"r1","from":"bob","sdp":"from-bob"}`)); err != nil {
		t.Fatalf("bob offer: %v", err)
	}

	if got := b.received(protocol.KindOffer); len(got) != 1 || got[0].SDP != "from-alice" {
		t.Errorf("bob offers = %+v, want only alice's", got)
	}
	if got := a.received(protocol.KindOffer); len(got) != 0 {
		t.Errorf("alice received the discarded offer: %+v", got)
	}

	// Bob proceeds as the answering side.
	if err := o.Dispatch("b", []byte(`{"type":"answer","room":"r1","from":"bob","sdp":"v=0"}`)); err != nil {
		t.Fatalf("bob answer: %v", err)
	}
	if got := o.Pairs.StateOf("r1", "a", "b"); got != core.NegotiationConnected {
		t.Errorf("pair state = %v, want connected", got)
	}
}
