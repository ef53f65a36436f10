package screenshare

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/loop"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var directMailbox = signaling.Mailbox(signaling.NamespaceScreen)

// Direct runs 1:1 screen shares for the local user. One share exists at a
// time, whichever side started it. The sharer always offers; the viewer
// answers with receive-only video.
type Direct struct {
	opts   Options
	loop   *loop.Loop
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	cur *direct
	// early holds candidates of shares we have not seen an offer for.
	early []models.Message
}

type direct struct {
	id        string
	peer      string
	local     bool
	capturing bool
	connected bool

	conn   *peer.Conn
	stream *media.Stream
	sink   media.Sink
}

func NewDirect(opts Options) (*Direct, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Direct{
		opts:   opts,
		loop:   loop.New("share:" + opts.Self.ID),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "screenshare").Str("user", opts.Self.ID).Logger(),
	}
	err := opts.Channel.Subscribe(ctx, directMailbox.Prefix(opts.Self.ID), opts.Self.ID, func(dl signaling.Delivery) {
		d.loop.Post(func() { d.receive(dl) })
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Start shares the local display with peerID.
func (d *Direct) Start(ctx context.Context, peerID string) (models.ScreenShareState, error) {
	if err := models.ValidateUserID(peerID); err != nil || peerID == d.opts.Self.ID {
		return models.ScreenShareState{}, fmt.Errorf("%w: %q", ErrInvalid, peerID)
	}

	s := &direct{id: uuid.New().String(), peer: peerID, local: true, capturing: true}
	err := d.loop.Do(func() error {
		if d.cur != nil {
			return ErrShareActive
		}
		d.cur = s
		d.emit()
		return nil
	})
	if err != nil {
		return models.ScreenShareState{}, err
	}

	stream, acqErr := media.AcquireDisplay(ctx, d.opts.Media, d.opts.Display)

	var state models.ScreenShareState
	err = d.loop.Do(func() error {
		if d.cur != s {
			stream.Stop()
			return ErrStopped
		}
		s.capturing = false
		if acqErr != nil {
			d.cur = nil
			toast(d.opts.Events, d.opts.Self.ID, NoticeDisplay)
			d.emit()
			return acqErr
		}
		s.stream = stream
		stream.OnEnded(func() {
			d.loop.Post(func() { d.captureEnded(s) })
		})
		if err := d.offer(s); err != nil {
			d.teardown(d.ctx, s)
			return err
		}
		state = d.stateLocked()
		return nil
	})
	if errors.Is(err, loop.ErrStopped) {
		stream.Stop()
	}
	return state, err
}

// Stop ends the current share, on either side.
func (d *Direct) Stop(ctx context.Context) error {
	return d.loop.Do(func() error {
		s := d.cur
		if s == nil {
			return ErrNotSharing
		}
		if s.capturing {
			// Start sees the share gone and releases the capture
			d.cur = nil
			d.emit()
			return nil
		}
		d.teardown(ctx, s)
		d.sendEnded(ctx, s, models.ReasonHangup)
		return nil
	})
}

func (d *Direct) State() models.ScreenShareState {
	var state models.ScreenShareState
	_ = d.loop.Do(func() error {
		state = d.stateLocked()
		return nil
	})
	return state
}

// Close stops any share and the orchestrator.
func (d *Direct) Close() error {
	err := d.Stop(d.ctx)
	if errors.Is(err, ErrNotSharing) || errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	d.cancel()
	d.loop.Stop()
	return err
}

func (d *Direct) stateLocked() models.ScreenShareState {
	s := d.cur
	if s == nil {
		return models.ScreenShareState{}
	}
	st := models.ScreenShareState{PeerID: s.peer, IsLocal: s.local, Active: true, SharerID: s.peer}
	if s.local {
		st.SharerID = d.opts.Self.ID
	}
	return st
}

func (d *Direct) emit() {
	d.opts.Events.Emit(events.New(events.TypeShareState, d.opts.Self.ID, d.stateLocked()))
}

func (d *Direct) open(s *direct, role peer.Role) (*peer.Conn, error) {
	return peer.New(d.opts.Factory, peer.Config{
		Self:   d.opts.Self.ID,
		Remote: s.peer,
		CallID: s.id,
		Role:   role,
		Send: func(ctx context.Context, msg models.Message) error {
			_, err := d.opts.Channel.Send(ctx, directMailbox, msg)
			return err
		},
		OnState: func(st webrtc.PeerConnectionState) {
			d.loop.Post(func() { d.transportState(s, st) })
		},
		OnTrack: func(t transport.RemoteTrack) {
			d.loop.Post(func() {
				if d.cur == s && wantSink(s.sink, t) {
					s.sink = d.opts.Sinks(s.peer, t)
				}
			})
		},
	})
}

func (d *Direct) offer(s *direct) error {
	conn, err := d.open(s, peer.RoleOfferer)
	if err != nil {
		return err
	}
	s.conn = conn
	if err := conn.AddStream(s.stream); err != nil {
		return err
	}
	d.log.Info().Str("peer", s.peer).Str("share", s.id).Msg("screenshare: offering display")
	d.emit()
	return conn.Offer()
}

func (d *Direct) receive(dl signaling.Delivery) {
	ok, err := d.opts.Channel.Consume(d.ctx, dl)
	if err != nil || !ok {
		return
	}
	msg := dl.Message
	s := d.cur

	if s != nil && msg.CallID == s.id && msg.Sender == s.peer {
		d.onMessage(s, msg)
		return
	}
	switch msg.Kind {
	case models.KindOffer:
		if s != nil {
			d.log.Info().Str("from", msg.Sender).Msg("screenshare: busy, declining share")
			busy, err := models.NewTerminal(models.KindCallRejected, d.opts.Self.ID, msg.Sender, msg.CallID, models.ReasonBusy)
			if err == nil {
				_, err = d.opts.Channel.Send(d.ctx, directMailbox, busy)
			}
			if err != nil {
				d.log.Warn().Err(err).Str("to", msg.Sender).Msg("screenshare: failed to decline")
			}
			return
		}
		d.view(msg)
	case models.KindICECandidate:
		if len(d.early) == maxEarly {
			d.early = d.early[1:]
		}
		d.early = append(d.early, msg)
	}
}

// view answers an incoming share with a receive-only session.
func (d *Direct) view(offer models.Message) {
	s := &direct{id: offer.CallID, peer: offer.Sender}
	conn, err := d.open(s, peer.RoleAnswerer)
	if err == nil {
		s.conn = conn
		err = conn.ReceiveOnly(webrtc.RTPCodecTypeVideo)
	}
	if err != nil {
		d.log.Error().Err(err).Str("from", offer.Sender).Msg("screenshare: cannot open viewer session")
		if conn != nil {
			conn.Close()
		}
		return
	}
	d.cur = s
	d.log.Info().Str("from", s.peer).Str("share", s.id).Msg("screenshare: viewing")

	d.onMessage(s, offer)
	early := d.early
	d.early = nil
	for _, msg := range early {
		if msg.CallID == s.id && msg.Sender == s.peer {
			d.onMessage(s, msg)
		}
	}
	if d.cur == s {
		d.emit()
	}
}

func (d *Direct) onMessage(s *direct, msg models.Message) {
	switch msg.Kind {
	case models.KindCallRejected:
		d.teardown(d.ctx, s)
		toast(d.opts.Events, d.opts.Self.ID, NoticeShareRejected)
		return
	case models.KindCallEnded, models.KindCallCanceled:
		d.teardown(d.ctx, s)
		toast(d.opts.Events, d.opts.Self.ID, NoticeShareEnded)
		return
	}
	if s.conn == nil {
		return
	}
	err := applySignal(s.conn, msg)
	if err == nil || msg.Kind == models.KindICECandidate {
		if err != nil {
			d.log.Debug().Err(err).Str("share", s.id).Msg("screenshare: candidate not applied")
		}
		return
	}
	if errors.Is(err, peer.ErrUnexpectedAnswer) || errors.Is(err, peer.ErrUnexpectedOffer) {
		d.log.Warn().Err(err).Str("share", s.id).Msg("screenshare: protocol violation ignored")
		return
	}
	d.log.Error().Err(err).Str("share", s.id).Msg("screenshare: negotiation failed")
	d.fail(s)
}

func (d *Direct) transportState(s *direct, st webrtc.PeerConnectionState) {
	if d.cur != s {
		return
	}
	switch {
	case st == webrtc.PeerConnectionStateConnected:
		if !s.connected {
			s.connected = true
			d.emit()
		}
	case transport.Broken(st):
		d.log.Warn().Str("share", s.id).Str("state", st.String()).Msg("screenshare: transport lost")
		d.fail(s)
	}
}

func (d *Direct) fail(s *direct) {
	d.teardown(d.ctx, s)
	d.sendEnded(d.ctx, s, models.ReasonFailed)
	toast(d.opts.Events, d.opts.Self.ID, NoticeShareFailed)
}

func (d *Direct) captureEnded(s *direct) {
	if d.cur != s {
		return
	}
	d.log.Info().Str("share", s.id).Msg("screenshare: capture ended")
	d.teardown(d.ctx, s)
	d.sendEnded(d.ctx, s, models.ReasonHangup)
	toast(d.opts.Events, d.opts.Self.ID, NoticeShareEnded)
}

func (d *Direct) teardown(ctx context.Context, s *direct) {
	var errs error
	s.stream.Stop()
	if s.sink != nil {
		errs = multierr.Append(errs, s.sink.Close())
	}
	if s.conn != nil {
		errs = multierr.Append(errs, s.conn.Close())
	}
	match := signaling.Between(d.opts.Self.ID, s.peer)
	errs = multierr.Append(errs, d.opts.Channel.Purge(ctx, directMailbox.Prefix(d.opts.Self.ID), match))
	errs = multierr.Append(errs, d.opts.Channel.Purge(ctx, directMailbox.Prefix(s.peer), match))
	if d.cur == s {
		d.cur = nil
	}
	if errs != nil {
		d.log.Warn().Err(errs).Str("share", s.id).Msg("screenshare: teardown incomplete")
	}
	d.emit()
}

func (d *Direct) sendEnded(ctx context.Context, s *direct, reason string) {
	msg, err := models.NewTerminal(models.KindCallEnded, d.opts.Self.ID, s.peer, s.id, reason)
	if err == nil {
		_, err = d.opts.Channel.Send(ctx, directMailbox, msg)
	}
	if err != nil {
		d.log.Warn().Err(err).Str("share", s.id).Msg("screenshare: failed to notify peer")
	}
}
