package client

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaTrackHandle owns one local capture bundle (the shared screen)
// and its tracks. Ownership is exclusive to the session that captured
// it: remote tracks are never stopped through a handle, only our own.
type MediaTrackHandle struct {
	tracks  []webrtc.TrackLocal
	release func()
	once    sync.Once
}

func newMediaTrackHandle(tracks []webrtc.TrackLocal, release func()) *MediaTrackHandle {
	return &MediaTrackHandle{tracks: tracks, release: release}
}

func (h *MediaTrackHandle) Tracks() []webrtc.TrackLocal {
	return h.tracks
}

// Release stops the capture. Idempotent: explicit stop, negotiation
// teardown and session destruction may all race to call it.
func (h *MediaTrackHandle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
		h.tracks = nil
	})
}
