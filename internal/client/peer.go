package client

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is the STUN set used when the caller does not
// provide one. Plain STUN only; the relay never carries media, so
// there is no TURN fallback to configure here.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// peerConn wraps the pion PeerConnection for a single 1:1 negotiation.
// remoteSet gates candidate application: pion rejects AddICECandidate
// before the remote description exists, so the owner buffers until
// markRemoteSet.
type peerConn struct {
	pc        *webrtc.PeerConnection
	remoteSet bool
}

func newPeerConn(iceServers []string, onCandidate func(json.RawMessage), onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) (*peerConn, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		onCandidate(b)
	})
	if onTrack != nil {
		pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
			onTrack(track, recv)
		})
	}

	return &peerConn{pc: pc}, nil
}

func (p *peerConn) addTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track: %w", err)
		}
	}
	return nil
}

func (p *peerConn) createOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *peerConn) applyOfferAndAnswer(sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	p.remoteSet = true

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *peerConn) applyAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.remoteSet = true
	return nil
}

func (p *peerConn) addCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *peerConn) close() {
	_ = p.pc.Close()
}
