// Package transport abstracts one real-time transport session (a WebRTC
// peer connection) so the call orchestrators can be driven by Pion in
// production and by an in-memory fake in tests.
package transport

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed              = errors.New("transport: session closed")
	ErrNoRemoteDescription = errors.New("transport: remote description not set")
)

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Session is one transport session with one remote party. Callbacks may
// fire on any goroutine, including from inside Close.
type Session interface {
	AddTrack(track webrtc.TrackLocal) error
	// AddReceiveOnly negotiates an m-line of kind without sending media.
	AddReceiveOnly(kind webrtc.RTPCodecType) error

	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// Factory creates transport sessions.
type Factory interface {
	NewSession() (Session, error)
}

// Broken reports whether state should be treated as a transport failure.
func Broken(state webrtc.PeerConnectionState) bool {
	return state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected
}
