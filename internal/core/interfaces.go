// Package core holds the transport-facing interfaces shared between
// the relay application and its adapters.
package core

import "github.com/ilyakh/castroom/internal/domain"

// Frame is one encoded signaling message on its way to a client.
// Critical frames (leave, teardown notifications) survive queue
// overflow; chat frames may be evicted under backpressure.
type Frame struct {
	Data     []byte
	Critical bool
}

// SignalConnection abstracts one client's outbound signaling channel.
// Owned by the adapter; the adapter must Close() it. TrySend never
// blocks on the peer.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Session binds a member's room-facing identity to its transport
// endpoint. This is what the registry stores and the router fans
// out to.
type Session interface {
	Member() domain.Member
	Signal() SignalConnection
}
