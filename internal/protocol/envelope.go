// Package protocol defines the wire envelopes exchanged over the
// signaling channel. One JSON object per envelope; SDP and ICE
// candidate payloads are opaque blobs relayed unexamined.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindChat      Kind = "chat"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownKind       = errors.New("unknown envelope kind")
)

// Envelope is the single inbound message shape. Room and From are
// always present so the relay can route without consulting
// connection-level state; the remaining fields are kind-specific.
type Envelope struct {
	Type      Kind            `json:"type"`
	Room      string          `json:"room"`
	From      string          `json:"from"`
	Text      string          `json:"text,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Decode parses and validates one envelope. Payload blobs are checked
// for presence only, never for well-formedness.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.Room == "" {
		return nil, fmt.Errorf("%w: missing room", ErrMalformedEnvelope)
	}
	if e.From == "" {
		return nil, fmt.Errorf("%w: missing from", ErrMalformedEnvelope)
	}
	switch e.Type {
	case KindJoin, KindLeave:
	case KindChat:
		if e.Text == "" {
			return nil, fmt.Errorf("%w: chat without text", ErrMalformedEnvelope)
		}
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrMalformedEnvelope, e.Type)
		}
	case KindCandidate:
		if len(e.Candidate) == 0 {
			return nil, fmt.Errorf("%w: candidate without payload", ErrMalformedEnvelope)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return &e, nil
}

// Encode marshals an envelope for the wire. Used for synthetic
// envelopes (server-side leave on disconnect) and by the client core.
func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}
