// Package transporttest provides an in-memory transport.Factory for tests of
// the call orchestrators. Fake sessions follow the Pion contract closely
// enough for signaling to be exercised end to end: candidates are only
// generated after a local description exists, candidates are rejected until
// a remote description is set, and a session reports connected once both
// descriptions and at least one remote candidate are in place.
package transporttest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Factory creates fake sessions and remembers all of them.
type Factory struct {
	// Candidates is how many local candidates each session gathers.
	Candidates int
	// RemoteAudio makes a connected session emit one remote audio track.
	RemoteAudio bool
	// FailNew makes NewSession fail.
	FailNew bool

	mu       sync.Mutex
	seq      int
	sessions []*Session
}

func NewFactory() *Factory {
	return &Factory{Candidates: 2}
}

func (f *Factory) NewSession() (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNew {
		return nil, fmt.Errorf("transporttest: session creation disabled")
	}
	f.seq++
	s := &Session{
		id:          fmt.Sprintf("s%d", f.seq),
		candidates:  f.Candidates,
		remoteAudio: f.RemoteAudio,
		closedCh:    make(chan struct{}),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

// Sessions returns every session created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// Open returns the sessions that have not been closed.
func (f *Factory) Open() []*Session {
	var open []*Session
	for _, s := range f.Sessions() {
		if !s.Closed() {
			open = append(open, s)
		}
	}
	return open
}

// Session is a fake transport session.
type Session struct {
	id          string
	candidates  int
	remoteAudio bool

	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	recvOnly    []webrtc.RTPCodecType
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	applied     []string
	offers      int
	state       webrtc.PeerConnectionState
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(transport.RemoteTrack)
	closed      bool
	closedCh    chan struct{}
	gathered    atomic.Bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.tracks = append(s.tracks, track)
	return nil
}

func (s *Session) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.recvOnly = append(s.recvOnly, kind)
	return nil
}

func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, transport.ErrClosed
	}
	s.offers++
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 fake-offer %s/%d", s.id, s.offers)}
	s.local = &desc
	s.mu.Unlock()

	s.gather()
	return desc, nil
}

func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, transport.ErrClosed
	}
	if s.remote == nil || s.remote.Type != webrtc.SDPTypeOffer {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("transporttest: answer without remote offer")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer " + s.id}
	s.local = &desc
	s.mu.Unlock()

	s.gather()
	s.maybeConnect()
	return desc, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if !strings.HasPrefix(desc.SDP, "v=0") {
		s.mu.Unlock()
		return fmt.Errorf("transporttest: malformed sdp")
	}
	s.remote = &desc
	s.mu.Unlock()

	s.maybeConnect()
	return nil
}

func (s *Session) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote != nil
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	if s.remote == nil {
		s.mu.Unlock()
		return transport.ErrNoRemoteDescription
	}
	s.applied = append(s.applied, c.Candidate)
	s.mu.Unlock()

	s.maybeConnect()
	return nil
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

func (s *Session) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Session) OnTrack(fn func(transport.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closedCh)
	s.mu.Unlock()

	s.setState(webrtc.PeerConnectionStateClosed)
	return nil
}

// Fail simulates the transport dropping.
func (s *Session) Fail() {
	s.setState(webrtc.PeerConnectionStateFailed)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Applied returns the remote candidates applied so far, in order.
func (s *Session) Applied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.applied...)
}

func (s *Session) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

func (s *Session) ReceiveOnly() []webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), s.recvOnly...)
}

func (s *Session) Offers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

func (s *Session) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// gather emits local candidates asynchronously, once per session.
func (s *Session) gather() {
	if !s.gathered.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	fn := s.onCandidate
	n := s.candidates
	s.mu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		for i := 0; i < n; i++ {
			if s.Closed() {
				return
			}
			fn(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d 1 udp 1 127.0.0.1 %d typ host", s.id, i, 40000+i)})
		}
	}()
}

func (s *Session) maybeConnect() {
	s.mu.Lock()
	ready := !s.closed && s.local != nil && s.remote != nil &&
		(len(s.applied) > 0 || s.candidates == 0) &&
		s.state != webrtc.PeerConnectionStateConnected
	s.mu.Unlock()
	if !ready {
		return
	}
	s.setState(webrtc.PeerConnectionStateConnected)

	s.mu.Lock()
	fn := s.onTrack
	emit := s.remoteAudio
	s.mu.Unlock()
	if emit && fn != nil {
		go fn(&RemoteTrack{id: s.id + "-audio", kind: webrtc.RTPCodecTypeAudio, done: s.closedCh})
	}
}

func (s *Session) setState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// RemoteTrack is a fake inbound track whose reads block until the owning
// session closes.
type RemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
	done chan struct{}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.id }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.done
	return nil, nil, io.EOF
}
