package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/loop"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/notify"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var ErrInvalidCall = errors.New("invalid call")

// LineOwner is the name the phone holds the Line under.
const LineOwner = "call"

const DefaultTimeout = 120 * time.Second

type Options struct {
	Self    models.User
	Channel *signaling.Channel
	Factory transport.Factory
	Media   media.Source
	Bridge  notify.Bridge
	Events  events.Emitter
	Line    *Line
	Sinks   media.SinkFactory

	// Timeout bounds the time from request to connected.
	Timeout time.Duration
	// Video holds the capture size for video calls.
	Video media.Constraints
	// Tick is the call-duration event interval.
	Tick time.Duration
}

// Phone runs the local user's 1:1 calls. At most one call is active at a
// time; every state change happens on the phone's loop.
type Phone struct {
	opts   Options
	loop   *loop.Loop
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	cur *session
}

type session struct {
	models.CallSession
	remote  models.User
	mailbox signaling.Mailbox

	negotiating bool
	conn        *peer.Conn
	stream      *media.Stream
	sink        media.Sink
	// early holds signaling that arrived before the transport session existed.
	early    []models.Message
	timer    *time.Timer
	tickStop chan struct{}
}

func NewPhone(opts Options) (*Phone, error) {
	if err := models.ValidateUserID(opts.Self.ID); err != nil {
		return nil, err
	}
	if opts.Channel == nil || opts.Factory == nil || opts.Media == nil {
		return nil, fmt.Errorf("phone %s: channel, transport and media are required", opts.Self.ID)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Line == nil {
		opts.Line = NewLine()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Bridge == nil {
		opts.Bridge = notify.Log{User: opts.Self.ID}
	}
	if opts.Sinks == nil {
		opts.Sinks = media.NewDrainSink
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Phone{
		opts:   opts,
		loop:   loop.New("phone:" + opts.Self.ID),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "phone").Str("user", opts.Self.ID).Logger(),
	}

	for _, mb := range []signaling.Mailbox{signaling.MailboxFor(models.CallVoice), signaling.MailboxFor(models.CallVideo)} {
		err := opts.Channel.Subscribe(ctx, mb.Prefix(opts.Self.ID), opts.Self.ID, func(d signaling.Delivery) {
			p.loop.Post(func() { p.receive(d) })
		})
		if err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// Initiate calls to. It fails with ErrBusy while another call is active.
func (p *Phone) Initiate(ctx context.Context, to models.User, kind models.CallKind) (models.CallSession, error) {
	if err := models.ValidateUserID(to.ID); err != nil {
		return models.CallSession{}, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if to.ID == p.opts.Self.ID {
		return models.CallSession{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidCall)
	}
	if !kind.Valid() {
		return models.CallSession{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCall, kind)
	}

	var view models.CallSession
	err := p.loop.Do(func() error {
		out, err := Transition(p.state(), EventInitiate)
		if err != nil {
			return err
		}
		if err := p.opts.Line.Acquire(LineOwner); err != nil {
			return err
		}
		now := time.Now()
		s := &session{
			CallSession: models.CallSession{
				CallID:       uuid.New().String(),
				LocalUserID:  p.opts.Self.ID,
				RemoteUserID: to.ID,
				RemoteName:   to.Name,
				Kind:         kind,
				Direction:    models.DirectionOutgoing,
				State:        models.StateIdle,
				StartedAt:    &now,
			},
			remote:  to,
			mailbox: signaling.MailboxFor(kind),
		}
		p.cur = s
		if err := p.apply(ctx, s, EventInitiate, out); err != nil {
			p.abort(s)
			return err
		}
		view = s.CallSession
		return nil
	})
	return view, err
}

// Accept answers the incoming call.
func (p *Phone) Accept(ctx context.Context) (models.CallSession, error) {
	var view models.CallSession
	err := p.loop.Do(func() error {
		s := p.cur
		if s == nil {
			return ErrNoIncomingCall
		}
		if s.negotiating && s.Direction == models.DirectionIncoming {
			view = s.CallSession
			return nil
		}
		out, err := Transition(s.State, EventAccept)
		if err != nil {
			return err
		}
		if err := p.apply(ctx, s, EventAccept, out); err != nil {
			return err
		}
		view = s.CallSession
		return nil
	})
	return view, err
}

// Reject declines the incoming call.
func (p *Phone) Reject(ctx context.Context) error {
	return p.loop.Do(func() error {
		s := p.cur
		state := models.StateIdle
		if s != nil {
			state = s.State
		}
		out, err := Transition(state, EventReject)
		if err != nil {
			return err
		}
		return p.apply(ctx, s, EventReject, out)
	})
}

// Hangup ends the current call, whatever its state. Hanging up with no call
// does nothing.
func (p *Phone) Hangup(ctx context.Context) error {
	return p.loop.Do(func() error {
		s := p.cur
		if s == nil {
			return nil
		}
		out, err := Transition(s.State, EventHangup)
		if err != nil {
			return err
		}
		return p.apply(ctx, s, EventHangup, out)
	})
}

// Session returns the current call, or an idle session.
func (p *Phone) Session() models.CallSession {
	view := models.CallSession{LocalUserID: p.opts.Self.ID, State: models.StateIdle}
	_ = p.loop.Do(func() error {
		if p.cur != nil {
			view = p.cur.CallSession
		}
		return nil
	})
	return view
}

// Close hangs up any active call and stops the phone.
func (p *Phone) Close() error {
	err := p.Hangup(p.ctx)
	if errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	p.cancel()
	p.loop.Stop()
	return err
}

func (p *Phone) state() models.CallState {
	if p.cur == nil {
		return models.StateIdle
	}
	return p.cur.State
}

// receive runs on the loop for every message delivered to our mailboxes.
func (p *Phone) receive(d signaling.Delivery) {
	ok, err := p.opts.Channel.Consume(p.ctx, d)
	if err != nil {
		p.log.Debug().Err(err).Str("path", d.Path).Msg("phone: mailbox read failed")
		return
	}
	if !ok {
		return
	}

	msg := d.Message
	if msg.Kind == models.KindCallRequest {
		p.onRequest(msg)
		return
	}

	s := p.cur
	if s == nil || msg.CallID != s.CallID || msg.Sender != s.RemoteUserID {
		p.log.Debug().Str("kind", string(msg.Kind)).Str("from", msg.Sender).Str("call", msg.CallID).Msg("phone: ignoring stale message")
		return
	}

	switch msg.Kind {
	case models.KindCallAccepted:
		if s.Direction == models.DirectionOutgoing && !s.negotiating {
			p.fire(s, EventRemoteAccepted, "")
		}
	case models.KindCallRejected:
		notice := ""
		if msg.Reason() == models.ReasonBusy {
			notice = NoticeBusy
		}
		p.fire(s, EventRemoteRejected, notice)
	case models.KindCallCanceled:
		p.fire(s, EventRemoteCanceled, "")
	case models.KindCallEnded:
		if s.State == models.StateConnected {
			p.fire(s, EventRemoteEnded, "")
		} else {
			p.fire(s, EventRemoteCanceled, "")
		}
	case models.KindOffer, models.KindAnswer, models.KindICECandidate:
		p.signal(s, msg)
	}
}

func (p *Phone) onRequest(msg models.Message) {
	req, err := msg.Request()
	if err != nil {
		return
	}
	if age := time.Since(time.UnixMilli(msg.Timestamp)); age > p.opts.Timeout {
		p.log.Debug().Str("from", msg.Sender).Dur("age", age).Msg("phone: ignoring expired call request")
		return
	}
	if p.cur != nil && p.cur.CallID == msg.CallID {
		return
	}

	out, err := Transition(p.state(), EventRequestReceived)
	if err == nil {
		err = p.opts.Line.Acquire(LineOwner)
	}
	if err != nil {
		p.log.Info().Str("from", msg.Sender).Msg("phone: busy, rejecting call request")
		busy, _ := models.NewTerminal(models.KindCallRejected, p.opts.Self.ID, msg.Sender, msg.CallID, models.ReasonBusy)
		if _, err := p.opts.Channel.Send(p.ctx, signaling.MailboxFor(req.Kind), busy); err != nil {
			p.log.Warn().Err(err).Str("to", msg.Sender).Msg("phone: failed to send busy reply")
		}
		return
	}

	now := time.Now()
	s := &session{
		CallSession: models.CallSession{
			CallID:       msg.CallID,
			LocalUserID:  p.opts.Self.ID,
			RemoteUserID: msg.Sender,
			RemoteName:   req.CallerName,
			Kind:         req.Kind,
			Direction:    models.DirectionIncoming,
			State:        models.StateIdle,
			StartedAt:    &now,
		},
		remote:  models.User{ID: msg.Sender, Name: req.CallerName, PhotoURL: req.CallerPhoto},
		mailbox: signaling.MailboxFor(req.Kind),
	}
	p.cur = s
	_ = p.apply(p.ctx, s, EventRequestReceived, out)
}

// fire runs a transition driven by something other than a user action.
// Events that do not apply in the current state are dropped.
func (p *Phone) fire(s *session, ev Event, notice string) {
	if p.cur != s {
		return
	}
	out, err := Transition(s.State, ev)
	if err != nil {
		p.log.Debug().Err(err).Msg("phone: event dropped")
		return
	}
	if notice != "" {
		out.Notice = notice
	}
	if err := p.apply(p.ctx, s, ev, out); err != nil {
		p.log.Warn().Err(err).Str("event", string(ev)).Msg("phone: transition side effect failed")
	}
}

// apply performs the effects of a transition on s. Only a failed call
// request is returned; other failures are logged.
func (p *Phone) apply(ctx context.Context, s *session, ev Event, out Outcome) error {
	s.State = out.Next
	var failed error

	for _, effect := range out.Effects {
		switch effect {
		case EffectSendRequest:
			msg, err := models.NewCallRequest(p.opts.Self.ID, s.RemoteUserID, s.CallID, models.CallRequest{
				Kind:        s.Kind,
				CallerName:  p.opts.Self.Name,
				CallerPhoto: p.opts.Self.PhotoURL,
			})
			if err == nil {
				_, err = p.opts.Channel.Send(ctx, s.mailbox, msg)
			}
			if err != nil {
				failed = fmt.Errorf("send call request: %w", err)
			}

		case EffectStartTimer:
			p.startTimer(s)

		case EffectStopTimer:
			if s.timer != nil {
				s.timer.Stop()
			}

		case EffectRing:
			b := p.opts.Bridge
			if b.RequestPermission(p.ctx) {
				b.ShowCallNotification(notify.Caller{ID: s.remote.ID, Name: s.remote.Name, PhotoURL: s.remote.PhotoURL, Kind: s.Kind})
			}
			b.PlayRingtone()

		case EffectSilence:
			p.opts.Bridge.StopRingtone()

		case EffectAcquireMedia:
			s.negotiating = true
			p.acquire(s)

		case EffectStartTicker:
			now := time.Now()
			s.ConnectedAt = &now
			p.startTicker(s)

		case EffectTeardown:
			p.teardown(ctx, s)

		case EffectSendRejected:
			p.sendTerminal(ctx, s, models.KindCallRejected, models.ReasonDeclined)

		case EffectSendCanceled:
			p.sendTerminal(ctx, s, models.KindCallCanceled, reasonFor(ev))

		case EffectSendEnded:
			p.sendTerminal(ctx, s, models.KindCallEnded, reasonFor(ev))
		}
		if failed != nil {
			return failed
		}
	}

	if out.Notice != "" {
		p.opts.Events.Emit(events.New(events.TypeToast, p.opts.Self.ID, events.Toast{Message: out.Notice, Level: "info"}))
	}
	p.opts.Events.Emit(events.New(events.TypeCallState, p.opts.Self.ID, s.CallSession))
	p.log.Info().Str("call", s.CallID).Str("remote", s.RemoteUserID).Str("event", string(ev)).Str("state", string(s.State)).Msg("phone: transition")
	return nil
}

func reasonFor(ev Event) string {
	switch ev {
	case EventTimeout:
		return models.ReasonNoAnswer
	case EventMediaFailed:
		return models.ReasonMedia
	case EventTransportFailed:
		return models.ReasonFailed
	}
	return models.ReasonHangup
}

// abort drops a session whose call request could not be sent.
func (p *Phone) abort(s *session) {
	p.teardown(p.ctx, s)
	s.State = models.StateIdle
	p.opts.Events.Emit(events.New(events.TypeCallState, p.opts.Self.ID, s.CallSession))
}

func (p *Phone) startTimer(s *session) {
	s.timer = time.AfterFunc(p.opts.Timeout, func() {
		p.loop.Post(func() {
			if p.cur == s && s.State != models.StateConnected {
				p.fire(s, EventTimeout, "")
			}
		})
	})
}

func (p *Phone) startTicker(s *session) {
	stop := make(chan struct{})
	s.tickStop = stop
	go func() {
		t := time.NewTicker(p.opts.Tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				p.loop.Post(func() {
					if p.cur != s || s.State != models.StateConnected {
						return
					}
					d := s.Duration(time.Now())
					p.opts.Events.Emit(events.New(events.TypeCallDuration, p.opts.Self.ID, events.Duration{CallID: s.CallID, Seconds: int64(d / time.Second)}))
				})
			}
		}
	}()
}

// acquire captures local media off the loop and hands the result back.
func (p *Phone) acquire(s *session) {
	c := media.Constraints{Audio: true}
	if s.Kind == models.CallVideo {
		c.Video = true
		c.Width, c.Height = p.opts.Video.Width, p.opts.Video.Height
	}
	go func() {
		stream, err := media.AcquireUser(p.ctx, p.opts.Media, c)
		if !p.loop.Post(func() { p.mediaReady(s, stream, err) }) {
			stream.Stop()
		}
	}()
}

func (p *Phone) mediaReady(s *session, stream *media.Stream, err error) {
	if p.cur != s {
		// the call ended while capture was pending
		stream.Stop()
		return
	}
	if err != nil {
		p.log.Warn().Err(err).Str("call", s.CallID).Msg("phone: media unavailable")
		p.fire(s, EventMediaFailed, "")
		return
	}
	s.stream = stream

	role := peer.RoleAnswerer
	if s.Direction == models.DirectionOutgoing {
		role = peer.RoleOfferer
	}
	conn, err := peer.New(p.opts.Factory, peer.Config{
		Self:   p.opts.Self.ID,
		Remote: s.RemoteUserID,
		CallID: s.CallID,
		Role:   role,
		Send: func(ctx context.Context, msg models.Message) error {
			_, err := p.opts.Channel.Send(ctx, s.mailbox, msg)
			return err
		},
		OnState: func(st webrtc.PeerConnectionState) {
			p.loop.Post(func() { p.transportState(s, st) })
		},
		OnTrack: func(t transport.RemoteTrack) {
			p.loop.Post(func() { p.remoteTrack(s, t) })
		},
	})
	if err == nil {
		s.conn = conn
		err = conn.AddStream(stream)
	}
	if err != nil {
		p.log.Error().Err(err).Str("call", s.CallID).Msg("phone: failed to open transport")
		p.fire(s, EventTransportFailed, "")
		return
	}

	early := s.early
	s.early = nil
	for _, msg := range early {
		p.signal(s, msg)
	}

	if role == peer.RoleOfferer {
		err = conn.Offer()
	} else {
		var accepted models.Message
		accepted, err = models.NewCallAccepted(p.opts.Self.ID, s.RemoteUserID, s.CallID)
		if err == nil {
			_, err = p.opts.Channel.Send(p.ctx, s.mailbox, accepted)
		}
	}
	if err != nil {
		p.log.Error().Err(err).Str("call", s.CallID).Msg("phone: negotiation failed")
		p.fire(s, EventTransportFailed, "")
	}
}

func (p *Phone) signal(s *session, msg models.Message) {
	if s.conn == nil {
		s.early = append(s.early, msg)
		return
	}

	var err error
	switch msg.Kind {
	case models.KindOffer:
		var d webrtc.SessionDescription
		if d, err = msg.Description(); err == nil {
			err = s.conn.HandleOffer(d)
		}
	case models.KindAnswer:
		var d webrtc.SessionDescription
		if d, err = msg.Description(); err == nil {
			err = s.conn.HandleAnswer(d)
		}
	case models.KindICECandidate:
		var c webrtc.ICECandidateInit
		if c, err = msg.Candidate(); err == nil {
			err = s.conn.HandleCandidate(c)
		}
		if err != nil {
			p.log.Debug().Err(err).Str("call", s.CallID).Msg("phone: candidate not applied")
			return
		}
	}
	if err == nil {
		return
	}
	if errors.Is(err, peer.ErrUnexpectedAnswer) || errors.Is(err, peer.ErrUnexpectedOffer) {
		p.log.Warn().Err(err).Str("call", s.CallID).Msg("phone: protocol violation ignored")
		return
	}
	p.log.Error().Err(err).Str("call", s.CallID).Str("kind", string(msg.Kind)).Msg("phone: negotiation failed")
	p.fire(s, EventTransportFailed, "")
}

func (p *Phone) transportState(s *session, st webrtc.PeerConnectionState) {
	if p.cur != s {
		return
	}
	switch {
	case st == webrtc.PeerConnectionStateConnected:
		if s.State != models.StateConnected {
			p.fire(s, EventTransportConnected, "")
		}
	case transport.Broken(st):
		p.log.Warn().Str("call", s.CallID).Str("state", st.String()).Msg("phone: transport lost")
		p.fire(s, EventTransportFailed, "")
	}
}

func (p *Phone) remoteTrack(s *session, t transport.RemoteTrack) {
	if p.cur != s || s.sink != nil || t.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	s.sink = p.opts.Sinks(s.RemoteUserID, t)
}

// teardown releases everything s holds and clears the messages of this
// call from the mailboxes of both parties. Terminal messages are sent afterwards so the purge does not
// remove them.
func (p *Phone) teardown(ctx context.Context, s *session) {
	var errs error
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
		p.opts.Events.Emit(events.New(events.TypeCallDuration, p.opts.Self.ID, events.Duration{CallID: s.CallID}))
	}
	s.stream.Stop()
	if s.sink != nil {
		errs = multierr.Append(errs, s.sink.Close())
	}
	if s.conn != nil {
		errs = multierr.Append(errs, s.conn.Close())
	}

	match := signaling.All(signaling.Between(p.opts.Self.ID, s.RemoteUserID), signaling.Of(s.CallID))
	errs = multierr.Append(errs, p.opts.Channel.Purge(ctx, s.mailbox.Prefix(p.opts.Self.ID), match))
	errs = multierr.Append(errs, p.opts.Channel.Purge(ctx, s.mailbox.Prefix(s.RemoteUserID), match))

	p.opts.Line.Release(LineOwner)
	if p.cur == s {
		p.cur = nil
	}
	if errs != nil {
		p.log.Warn().Err(errs).Str("call", s.CallID).Msg("phone: teardown incomplete")
	}
}

func (p *Phone) sendTerminal(ctx context.Context, s *session, kind models.Kind, reason string) {
	msg, err := models.NewTerminal(kind, p.opts.Self.ID, s.RemoteUserID, s.CallID, reason)
	if err == nil {
		_, err = p.opts.Channel.Send(ctx, s.mailbox, msg)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("call", s.CallID).Str("kind", string(kind)).Msg("phone: failed to notify remote")
	}
}
