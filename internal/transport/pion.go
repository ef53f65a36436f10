package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PionFactory creates Pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// ICEServers builds the ICE server list from configuration.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return servers
}

func NewPionFactory(cfg config.ICEConfig) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Longer than Pion's defaults so a short relay outage does not end a call.
	se := webrtc.SettingEngine{}
	disconnected, failed := cfg.DisconnectedTimeout, cfg.FailedTimeout
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	se.SetICETimeouts(disconnected, failed, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: ICEServers(cfg)},
	}, nil
}

func (f *PionFactory) NewSession() (Session, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &pionSession{pc: pc}, nil
}

type pionSession struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

func (s *pionSession) AddTrack(track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	// RTCP must be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (s *pionSession) AddReceiveOnly(kind webrtc.RTPCodecType) error {
	_, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
	}
	return nil
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

func (s *pionSession) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (s *pionSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *pionSession) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *pionSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	if !s.HasRemoteDescription() {
		return ErrNoRemoteDescription
	}
	return s.pc.AddICECandidate(c)
}

func (s *pionSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (s *pionSession) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	s.pc.OnConnectionStateChange(fn)
}

func (s *pionSession) OnTrack(fn func(RemoteTrack)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("transport: remote track")
		fn(track)
	})
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}
