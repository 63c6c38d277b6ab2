package core

// NegotiationState tracks one peer pair's offer/answer progress. The
// relay and the client core share the same vocabulary so transitions
// observed on either side line up.
type NegotiationState int

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOffered
	NegotiationConnected
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOffered:
		return "offered"
	case NegotiationConnected:
		return "connected"
	case NegotiationClosed:
		return "closed"
	}
	return "unknown"
}
