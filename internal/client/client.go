package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ilyakh/castroom/internal/core"
	"github.com/ilyakh/castroom/internal/domain"
	"github.com/ilyakh/castroom/internal/protocol"
)

var (
	ErrNotJoined      = errors.New("no room joined")
	ErrAlreadySharing = errors.New("already sharing")
)

// CaptureFunc acquires the local display capture: it returns the
// tracks to publish and a release func stopping the capture. The UI
// layer owns the actual capture mechanics.
type CaptureFunc func(ctx context.Context) ([]webrtc.TrackLocal, func(), error)

type Options struct {
	ICEServers    []string
	Capture       CaptureFunc
	OnRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Core drives one session against the relay: room membership, chat,
// and the single 1:1 screen-share negotiation. All connection and
// negotiation state lives here, transitioned only through the
// envelope handlers — never mutated ad hoc by the UI.
type Core struct {
	conn Conn
	opts Options

	mu           sync.Mutex
	room         string
	name         string
	selfID       string
	members      map[string]domain.Member
	peer         *peerConn
	peerName     string
	media        *MediaTrackHandle
	state        core.NegotiationState
	offerPending bool
	pending      []json.RawMessage

	subMu   sync.RWMutex
	subs    map[int]*Events
	nextSub int
}

func New(conn Conn, opts Options) *Core {
	return &Core{
		conn:    conn,
		opts:    opts,
		members: make(map[string]domain.Member),
		state:   core.NegotiationIdle,
		subs:    make(map[int]*Events),
	}
}

// Join declares the display name and enters the room. Membership is
// confirmed by the room_state broadcast, surfaced through
// OnRoomMembersChanged.
func (c *Core) Join(room, name string) error {
	c.mu.Lock()
	c.room = room
	c.name = name
	c.mu.Unlock()
	return c.send(&protocol.Envelope{Type: protocol.KindJoin, Room: room, From: name})
}

// Leave exits the room and tears down any negotiation in flight. The
// connection itself stays open; the caller may join again.
func (c *Core) Leave() error {
	c.mu.Lock()
	room, name := c.room, c.name
	closed := c.teardownLocked()
	peer := c.peerName
	c.peerName = ""
	c.room = ""
	c.members = make(map[string]domain.Member)
	c.mu.Unlock()

	if room == "" {
		return nil
	}
	if closed {
		c.emitNegotiation(peer, core.NegotiationClosed, "")
	}
	return c.send(&protocol.Envelope{Type: protocol.KindLeave, Room: room, From: name})
}

func (c *Core) SendChat(text string) error {
	c.mu.Lock()
	room, name := c.room, c.name
	c.mu.Unlock()
	if room == "" {
		return ErrNotJoined
	}
	return c.send(&protocol.Envelope{Type: protocol.KindChat, Room: room, From: name, Text: text})
}

// StartShare acquires the local capture and offers it to the peer. A
// capture failure is reported to this side only and leaves the
// negotiation untouched at its current state.
func (c *Core) StartShare(ctx context.Context) error {
	c.mu.Lock()
	room, name := c.room, c.name
	sharing := c.media != nil
	c.mu.Unlock()
	if room == "" {
		return ErrNotJoined
	}
	if sharing {
		return ErrAlreadySharing
	}
	if c.opts.Capture == nil {
		c.emitError("media_acquisition_failed", "no capture source configured")
		return errors.New("no capture source configured")
	}

	// Capture outside the lock; it may block on a user prompt.
	tracks, release, err := c.opts.Capture(ctx)
	if err != nil {
		c.emitError("media_acquisition_failed", err.Error())
		return err
	}

	c.mu.Lock()
	if c.media != nil {
		c.mu.Unlock()
		release()
		return ErrAlreadySharing
	}
	c.media = newMediaTrackHandle(tracks, release)
	if err := c.ensurePeerLocked(); err != nil {
		c.media.Release()
		c.media = nil
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return err
	}
	if err := c.peer.addTracks(tracks); err != nil {
		c.media.Release()
		c.media = nil
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return err
	}
	sdp, err := c.peer.createOffer()
	if err != nil {
		c.media.Release()
		c.media = nil
		c.mu.Unlock()
		c.emitError("internal", err.Error())
		return err
	}
	c.state = core.NegotiationOffered
	c.offerPending = true
	c.mu.Unlock()

	if err := c.send(&protocol.Envelope{Type: protocol.KindOffer, Room: room, From: name, SDP: sdp}); err != nil {
		return err
	}
	c.emitNegotiation("", core.NegotiationOffered, sdp)
	return nil
}

// StopShare releases the capture and closes the peer connection.
// Also the path taken when the local track ends on its own; release
// is idempotent either way.
func (c *Core) StopShare() {
	c.mu.Lock()
	closed := c.teardownLocked()
	peer := c.peerName
	c.peerName = ""
	c.mu.Unlock()
	if closed {
		c.emitNegotiation(peer, core.NegotiationClosed, "")
	}
}

// teardownLocked releases media and the peer connection, returning
// whether an active negotiation was actually closed. State resets to
// Idle so a fresh offer can follow.
func (c *Core) teardownLocked() bool {
	closed := c.state != core.NegotiationIdle
	if c.media != nil {
		c.media.Release()
		c.media = nil
	}
	if c.peer != nil {
		c.peer.close()
		c.peer = nil
	}
	c.state = core.NegotiationIdle
	c.offerPending = false
	c.pending = nil
	return closed
}

func (c *Core) ensurePeerLocked() error {
	if c.peer != nil {
		return nil
	}
	p, err := newPeerConn(c.opts.ICEServers, c.sendCandidate, c.opts.OnRemoteTrack)
	if err != nil {
		return err
	}
	c.peer = p
	return nil
}

func (c *Core) sendCandidate(raw json.RawMessage) {
	c.mu.Lock()
	room, name := c.room, c.name
	c.mu.Unlock()
	if room == "" {
		return
	}
	err := c.send(&protocol.Envelope{Type: protocol.KindCandidate, Room: room, From: name, Candidate: raw})
	if err != nil {
		log.Debug().Err(err).Str("module", "client").Msg("send candidate")
	}
}

func (c *Core) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

// Run reads and dispatches inbound messages until the connection
// closes or ctx is cancelled. It owns the read side; callbacks fire on
// this goroutine.
func (c *Core) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(data)
	}
}
