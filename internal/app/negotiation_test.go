package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
)

const room = domain.RoomID("r1")

func TestAnswerBeforeOfferRejected(t *testing.T) {
	n := NewNegotiator(time.Minute)
	if err := n.Answer(room, "bob", "alice"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestAnswerFromOffererRejected(t *testing.T) {
	n := NewNegotiator(time.Minute)
	if _, err := n.Offer(room, "alice", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := n.Answer(room, "alice", "bob"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("answer from offerer: err = %v, want ErrIllegalTransition", err)
	}
}

func TestOfferAnswerCandidateOrdering(t *testing.T) {
	n := NewNegotiator(time.Minute)

	res, err := n.Offer(room, "alice", "bob")
	if err != nil || !res.Relay {
		t.Fatalf("offer: res=%+v err=%v", res, err)
	}
	if got := n.StateOf(room, "alice", "bob"); got != core.NegotiationOffered {
		t.Fatalf("state = %v, want offered", got)
	}

	if err := n.Answer(room, "bob", "alice"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := n.StateOf(room, "alice", "bob"); got != core.NegotiationConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	// Past the description exchange, candidates relay immediately.
	for i := 0; i < 3; i++ {
		if !n.Candidate(room, "alice", "bob", json.RawMessage(`{}`)) {
			t.Errorf("candidate %d was buffered after connect", i)
		}
	}
}

func TestCandidateBufferedWhileIdle(t *testing.T) {
	n := NewNegotiator(time.Minute)

	if n.Candidate(room, "alice", "bob", json.RawMessage(`{"n":1}`)) {
		t.Fatal("idle candidate was relayed")
	}
	if n.Candidate(room, "bob", "alice", json.RawMessage(`{"n":2}`)) {
		t.Fatal("idle candidate was relayed")
	}

	res, err := n.Offer(room, "alice", "bob")
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if len(res.Flush) != 2 {
		t.Fatalf("flushed %d candidates, want 2", len(res.Flush))
	}
	// Receipt order preserved.
	if string(res.Flush[0].Raw) != `{"n":1}` || res.Flush[0].From != "alice" {
		t.Errorf("flush[0] = %+v", res.Flush[0])
	}
	if string(res.Flush[1].Raw) != `{"n":2}` || res.Flush[1].From != "bob" {
		t.Errorf("flush[1] = %+v", res.Flush[1])
	}
}

func TestGlareResolutionDeterministic(t *testing.T) {
	// Whichever order the two offers land in, "alice" < "bob" means
	// alice holds the offerer role and bob's offer is the one dropped.
	for i := 0; i < 50; i++ {
		n := NewNegotiator(time.Minute)
		first, err := n.Offer(room, "alice", "bob")
		if err != nil || !first.Relay {
			t.Fatalf("alice offer: res=%+v err=%v", first, err)
		}
		second, err := n.Offer(room, "bob", "alice")
		if err != nil {
			t.Fatalf("bob offer: %v", err)
		}
		if second.Relay {
			t.Fatal("bob's offer relayed despite glare loss")
		}
	}

	for i := 0; i < 50; i++ {
		n := NewNegotiator(time.Minute)
		first, err := n.Offer(room, "bob", "alice")
		if err != nil || !first.Relay {
			t.Fatalf("bob offer: res=%+v err=%v", first, err)
		}
		second, err := n.Offer(room, "alice", "bob")
		if err != nil {
			t.Fatalf("alice offer: %v", err)
		}
		if !second.Relay {
			t.Fatal("alice's offer dropped; smaller id must win")
		}
		// Bob now answers alice's offer.
		if err := n.Answer(room, "bob", "alice"); err != nil {
			t.Fatalf("bob answer after glare: %v", err)
		}
	}
}

func TestOfferTimeoutReturnsToIdle(t *testing.T) {
	n := NewNegotiator(20 * time.Millisecond)

	if _, err := n.Offer(room, "alice", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for n.StateOf(room, "alice", "bob") != core.NegotiationIdle {
		if time.Now().After(deadline) {
			t.Fatal("pair never fell back to idle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Re-offer after the timeout is legal.
	res, err := n.Offer(room, "alice", "bob")
	if err != nil || !res.Relay {
		t.Fatalf("re-offer: res=%+v err=%v", res, err)
	}
}

func TestAnswerCancelsTimeout(t *testing.T) {
	n := NewNegotiator(30 * time.Millisecond)

	if _, err := n.Offer(room, "alice", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := n.Answer(room, "bob", "alice"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if got := n.StateOf(room, "alice", "bob"); got != core.NegotiationConnected {
		t.Errorf("state after timer window = %v, want connected", got)
	}
}

func TestRenegotiationFromConnected(t *testing.T) {
	n := NewNegotiator(time.Minute)

	if _, err := n.Offer(room, "alice", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := n.Answer(room, "bob", "alice"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// Screen-share stop/start legitimately renegotiates.
	res, err := n.Offer(room, "bob", "alice")
	if err != nil || !res.Relay {
		t.Fatalf("renegotiation offer: res=%+v err=%v", res, err)
	}
	if got := n.StateOf(room, "alice", "bob"); got != core.NegotiationOffered {
		t.Errorf("state = %v, want offered", got)
	}
}

func TestCloseSessionTearsDownPairs(t *testing.T) {
	n := NewNegotiator(time.Minute)

	if _, err := n.Offer(room, "alice", "bob"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := n.Answer(room, "bob", "alice"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	peers := n.CloseSession(room, "alice")
	if len(peers) != 1 || peers[0] != "bob" {
		t.Fatalf("peers = %v, want [bob]", peers)
	}

	// The pair is gone; an answer has nothing to land on.
	if err := n.Answer(room, "bob", "alice"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("answer after close: err = %v, want ErrIllegalTransition", err)
	}

	// Closing again is a no-op.
	if peers := n.CloseSession(room, "alice"); len(peers) != 0 {
		t.Errorf("second close returned peers: %v", peers)
	}
}
