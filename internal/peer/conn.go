// Package peer negotiates one transport session with one remote party:
// offer/answer exchange, trickled ICE candidates and state reporting.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnexpectedAnswer = errors.New("peer: answer received without a pending offer")
	ErrUnexpectedOffer  = errors.New("peer: offer received while our own offer is pending")
	ErrClosed           = errors.New("peer: connection closed")
)

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Sender delivers a signaling message to the remote party.
type Sender func(ctx context.Context, msg models.Message) error

// Config describes one pairwise connection. OnState and OnTrack run on
// transport goroutines and must not block.
type Config struct {
	Self   string
	Remote string
	CallID string
	Role   Role
	Send   Sender

	OnState func(webrtc.PeerConnectionState)
	OnTrack func(transport.RemoteTrack)
}

type Conn struct {
	cfg     Config
	session transport.Session
	ctx     context.Context
	cancel  context.CancelFunc

	state  atomic.Value // webrtc.PeerConnectionState
	closed atomic.Bool

	mu        sync.Mutex
	offerSent bool
	queue     transport.CandidateQueue
}

// New opens a transport session and wires its callbacks. Local candidates
// are relayed through cfg.Send as they are gathered.
func New(factory transport.Factory, cfg Config) (*Conn, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("peer %s: no sender", cfg.Remote)
	}
	session, err := factory.NewSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{cfg: cfg, session: session, ctx: ctx, cancel: cancel}
	c.state.Store(webrtc.PeerConnectionStateNew)

	session.OnICECandidate(c.relayCandidate)
	session.OnStateChange(func(s webrtc.PeerConnectionState) {
		c.state.Store(s)
		if cfg.OnState != nil {
			cfg.OnState(s)
		}
	})
	session.OnTrack(func(t transport.RemoteTrack) {
		if cfg.OnTrack != nil && !c.closed.Load() {
			cfg.OnTrack(t)
		}
	})
	return c, nil
}

func (c *Conn) relayCandidate(cand webrtc.ICECandidateInit) {
	if c.closed.Load() {
		return
	}
	msg, err := models.NewCandidate(c.cfg.Self, c.cfg.Remote, c.cfg.CallID, cand)
	if err != nil {
		return
	}
	if err := c.cfg.Send(c.ctx, msg); err != nil && !c.closed.Load() {
		log.Warn().Err(err).Str("user", c.cfg.Self).Str("remote", c.cfg.Remote).Msg("peer: failed to relay ice candidate")
	}
}

func (c *Conn) Remote() string { return c.cfg.Remote }
func (c *Conn) CallID() string { return c.cfg.CallID }
func (c *Conn) Role() Role     { return c.cfg.Role }

func (c *Conn) State() webrtc.PeerConnectionState {
	return c.state.Load().(webrtc.PeerConnectionState)
}

func (c *Conn) Connected() bool {
	return c.State() == webrtc.PeerConnectionStateConnected
}

func (c *Conn) HasRemoteDescription() bool {
	return c.session.HasRemoteDescription()
}

// AddStream attaches every track of a local stream.
func (c *Conn) AddStream(stream *media.Stream) error {
	for _, t := range stream.Tracks() {
		if err := c.session.AddTrack(t.Local()); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveOnly negotiates receive-only transceivers, used when the local side
// sends no media, as a screen-share viewer.
func (c *Conn) ReceiveOnly(kinds ...webrtc.RTPCodecType) error {
	for _, k := range kinds {
		if err := c.session.AddReceiveOnly(k); err != nil {
			return err
		}
	}
	return nil
}

// Offer creates the local offer and sends it.
func (c *Conn) Offer() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	offer, err := c.session.CreateOffer()
	if err == nil {
		c.offerSent = true
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	msg, err := models.NewDescription(c.cfg.Self, c.cfg.Remote, c.cfg.CallID, offer)
	if err != nil {
		return err
	}
	return c.cfg.Send(c.ctx, msg)
}

// HandleOffer applies a remote offer, flushes queued candidates and sends
// the answer.
func (c *Conn) HandleOffer(desc webrtc.SessionDescription) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.offerSent {
		c.mu.Unlock()
		return ErrUnexpectedOffer
	}
	err := c.applyRemote(desc)
	var answer webrtc.SessionDescription
	if err == nil {
		answer, err = c.session.CreateAnswer()
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	msg, err := models.NewDescription(c.cfg.Self, c.cfg.Remote, c.cfg.CallID, answer)
	if err != nil {
		return err
	}
	return c.cfg.Send(c.ctx, msg)
}

// HandleAnswer applies the remote answer to our pending offer.
func (c *Conn) HandleAnswer(desc webrtc.SessionDescription) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.offerSent || c.session.HasRemoteDescription() {
		return ErrUnexpectedAnswer
	}
	return c.applyRemote(desc)
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (c *Conn) HandleCandidate(cand webrtc.ICECandidateInit) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Push(cand) {
		return nil
	}
	return c.session.AddICECandidate(cand)
}

// applyRemote must be called with c.mu held.
func (c *Conn) applyRemote(desc webrtc.SessionDescription) error {
	if err := c.session.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s from %s: %w", desc.Type, c.cfg.Remote, err)
	}
	if err := c.queue.Drain(c.session.AddICECandidate); err != nil {
		log.Debug().Err(err).Str("remote", c.cfg.Remote).Msg("peer: queued candidate rejected")
	}
	return nil
}

// Close closes the transport session. Later calls do nothing.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.session.Close()
}
