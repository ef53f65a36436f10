// Package screenshare runs screen shares: Direct streams the local display
// to one peer, RoomShare streams it to every viewer of a room.
package screenshare

import (
	"errors"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/webrtc/v4"
)

var (
	ErrShareActive = errors.New("a screen share is already active")
	ErrNotSharing  = errors.New("no active screen share")
	ErrNoShare     = errors.New("nobody is sharing in this room")
	ErrStopped     = errors.New("screen share stopped before capture finished")
	ErrInvalid     = errors.New("invalid screen share target")
)

// Notices shown when a share ends without a local request.
const (
	NoticeShareEnded    = "screen share ended"
	NoticeShareRejected = "screen share declined"
	NoticeShareFailed   = "screen share connection lost"
	NoticeDisplay       = "screen capture unavailable"
)

// maxEarly bounds the signals kept for a share that has not started yet.
const maxEarly = 64

// DefaultHeartbeat is how often a room sharer refreshes its slot. A slot
// not refreshed for three heartbeats is stale.
const DefaultHeartbeat = 10 * time.Second

type Options struct {
	Self    models.User
	Channel *signaling.Channel
	Factory transport.Factory
	Media   media.Source
	Events  events.Emitter
	// Sinks receives the remote screen of a viewer.
	Sinks media.SinkFactory
	// Display holds the capture size asked for.
	Display media.Constraints
	// Heartbeat is the room slot refresh period.
	Heartbeat time.Duration
}

func (o *Options) defaults() error {
	if err := models.ValidateUserID(o.Self.ID); err != nil {
		return err
	}
	if o.Channel == nil || o.Factory == nil || o.Media == nil {
		return errors.New("screenshare: channel, transport and media are required")
	}
	if o.Events == nil {
		o.Events = events.Discard
	}
	if o.Sinks == nil {
		o.Sinks = media.NewDrainSink
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return nil
}

// applySignal hands an offer, answer or candidate to conn.
func applySignal(conn *peer.Conn, msg models.Message) error {
	switch msg.Kind {
	case models.KindOffer:
		d, err := msg.Description()
		if err != nil {
			return err
		}
		return conn.HandleOffer(d)
	case models.KindAnswer:
		d, err := msg.Description()
		if err != nil {
			return err
		}
		return conn.HandleAnswer(d)
	case models.KindICECandidate:
		c, err := msg.Candidate()
		if err != nil {
			return err
		}
		return conn.HandleCandidate(c)
	}
	return nil
}

func toast(em events.Emitter, user, msg string) {
	em.Emit(events.New(events.TypeToast, user, events.Toast{Message: msg, Level: "info"}))
}

// wantSink reports whether t is a video track and no sink exists yet.
func wantSink(sink media.Sink, t transport.RemoteTrack) bool {
	return sink == nil && t.Kind() == webrtc.RTPCodecTypeVideo
}
