// Package room runs N-way room calls as a full mesh: one transport session
// per other participant, with the smaller user id of each pair offering.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/loop"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/peer"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/store"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrNotInCall  = errors.New("not in a room call")
	ErrNoRoomCall = errors.New("no call in progress in this room")
	ErrBadRoom    = errors.New("room id must be non-empty and must not contain '/'")
)

// presence is the value of a participant flag.
var presence = []byte("true")

type Options struct {
	Self    models.User
	Channel *signaling.Channel
	Factory transport.Factory
	Media   media.Source
	Events  events.Emitter
	Line    *call.Line
	Sinks   media.SinkFactory
}

// Caller runs the local user's room call. It is in at most one room at a
// time and shares the Line with 1:1 calls.
type Caller struct {
	opts Options
	loop *loop.Loop
	log  zerolog.Logger

	active *roomCall
}

type roomCall struct {
	room   signaling.Room
	ctx    context.Context
	cancel context.CancelFunc
	stream *media.Stream

	present map[string]bool
	conns   map[string]*peer.Conn
	sinks   map[string]media.Sink
	// early holds signals from participants whose presence we have not
	// seen yet.
	early map[string][]models.Message
	// sharer is who shares a screen in the room, from its share slot.
	sharer string
}

func NewCaller(opts Options) (*Caller, error) {
	if err := models.ValidateUserID(opts.Self.ID); err != nil {
		return nil, err
	}
	if opts.Channel == nil || opts.Factory == nil || opts.Media == nil {
		return nil, fmt.Errorf("room caller %s: channel, transport and media are required", opts.Self.ID)
	}
	if opts.Line == nil {
		opts.Line = call.NewLine()
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Sinks == nil {
		opts.Sinks = media.NewDrainSink
	}
	return &Caller{
		opts: opts,
		loop: loop.New("room:" + opts.Self.ID),
		log:  log.With().Str("component", "room").Str("user", opts.Self.ID).Logger(),
	}, nil
}

func lineOwner(roomID string) string { return "room:" + roomID }

// StartCall starts a call in roomID, or joins the one already running there.
func (c *Caller) StartCall(ctx context.Context, roomID string) (models.RoomCallState, error) {
	return c.enter(ctx, roomID, false)
}

// JoinCall joins the call running in roomID. It fails with ErrNoRoomCall
// when nobody is in it.
func (c *Caller) JoinCall(ctx context.Context, roomID string) (models.RoomCallState, error) {
	return c.enter(ctx, roomID, true)
}

func (c *Caller) enter(ctx context.Context, roomID string, mustExist bool) (models.RoomCallState, error) {
	if err := models.ValidateUserID(roomID); err != nil {
		return models.RoomCallState{}, ErrBadRoom
	}
	room := signaling.RoomCall(roomID)

	// Validate before capturing so a refused join never touches devices.
	var state models.RoomCallState
	var already bool
	err := c.loop.Do(func() error {
		if c.active != nil {
			if c.active.room.ID == roomID {
				already = true
				state = c.stateLocked()
				return nil
			}
			return call.ErrBusy
		}
		if c.opts.Line.Owner() != "" && c.opts.Line.Owner() != lineOwner(roomID) {
			return call.ErrBusy
		}
		return nil
	})
	if err != nil || already {
		return state, err
	}
	if mustExist {
		ids, err := Participants(ctx, c.opts.Channel.Store(), roomID)
		if err != nil {
			return state, err
		}
		if len(ids) == 0 {
			return state, ErrNoRoomCall
		}
	}

	stream, err := media.AcquireUser(ctx, c.opts.Media, media.Constraints{Audio: true})
	if err != nil {
		return state, err
	}

	err = c.loop.Do(func() error {
		if c.active != nil {
			return call.ErrBusy
		}
		if err := c.opts.Line.Acquire(lineOwner(roomID)); err != nil {
			return err
		}
		if err := c.join(ctx, room, stream); err != nil {
			c.opts.Line.Release(lineOwner(roomID))
			return err
		}
		state = c.stateLocked()
		return nil
	})
	if err != nil {
		stream.Stop()
	}
	return state, err
}

func (c *Caller) join(ctx context.Context, room signaling.Room, stream *media.Stream) error {
	s := c.opts.Channel.Store()
	self := c.opts.Self.ID

	if err := s.Put(ctx, room.ParticipantPath(self), presence); err != nil {
		return fmt.Errorf("join room %s: %w", room.ID, err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	rc := &roomCall{
		room:    room,
		ctx:     wctx,
		cancel:  cancel,
		stream:  stream,
		present: make(map[string]bool),
		conns:   make(map[string]*peer.Conn),
		sinks:   make(map[string]media.Sink),
		early:   make(map[string][]models.Message),
	}

	presenceEvents, err := s.Watch(wctx, room.ParticipantsPrefix())
	var slotEvents <-chan store.Event
	if err == nil {
		slotEvents, err = s.Watch(wctx, signaling.RoomScreen(room.ID).StatePath())
	}
	if err == nil {
		deliver := func(d signaling.Delivery) {
			c.loop.Post(func() { c.onSignal(rc, d) })
		}
		err = multierr.Combine(
			c.opts.Channel.Subscribe(wctx, room.SignalingPrefix(), self, deliver),
			c.opts.Channel.Subscribe(wctx, room.CandidatesPrefix(), self, deliver),
		)
	}
	if err != nil {
		cancel()
		_ = s.Delete(ctx, room.ParticipantPath(self))
		return fmt.Errorf("watch room %s: %w", room.ID, err)
	}

	go func() {
		for ev := range presenceEvents {
			c.loop.Post(func() { c.onPresence(rc, ev) })
		}
	}()
	go func() {
		for ev := range slotEvents {
			c.loop.Post(func() { c.onShareSlot(rc, ev) })
		}
	}()

	c.active = rc
	c.log.Info().Str("room", room.ID).Msg("room: joined call")
	c.emit()
	return nil
}

// LeaveCall leaves the current room call. When at most one participant
// remains the whole room call record is deleted.
func (c *Caller) LeaveCall(ctx context.Context) error {
	return c.loop.Do(func() error {
		rc := c.active
		if rc == nil {
			return ErrNotInCall
		}
		return c.teardown(ctx, rc, true)
	})
}

// State returns the local view of the room call.
func (c *Caller) State() models.RoomCallState {
	var state models.RoomCallState
	_ = c.loop.Do(func() error {
		state = c.stateLocked()
		return nil
	})
	return state
}

// Close leaves any active call and stops the caller.
func (c *Caller) Close() error {
	err := c.LeaveCall(context.Background())
	if errors.Is(err, ErrNotInCall) || errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	c.loop.Stop()
	return err
}

// Participants lists who is present in roomID's call.
func Participants(ctx context.Context, s store.Store, roomID string) ([]string, error) {
	room := signaling.RoomCall(roomID)
	entries, err := s.List(ctx, room.ParticipantsPrefix())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if id, ok := room.ParticipantFromPath(e.Key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *Caller) stateLocked() models.RoomCallState {
	rc := c.active
	if rc == nil {
		return models.RoomCallState{Participants: []string{}, Connected: map[string]bool{}}
	}
	connected := make(map[string]bool, len(rc.present))
	for id := range rc.present {
		if id == c.opts.Self.ID {
			continue
		}
		conn := rc.conns[id]
		connected[id] = conn != nil && conn.Connected()
	}
	return models.RoomCallState{
		RoomID:       rc.room.ID,
		Active:       true,
		Participants: models.SortedKeys(rc.present),
		Connected:    connected,
		SharerID:     rc.sharer,
	}
}

// onShareSlot tells the UI when a screen share starts or ends in the room.
func (c *Caller) onShareSlot(rc *roomCall, ev store.Event) {
	if c.active != rc {
		return
	}
	var slot models.RoomShareSlot
	if ev.Op == store.OpPut {
		if err := json.Unmarshal(ev.Value, &slot); err != nil {
			c.log.Debug().Err(err).Str("room", rc.room.ID).Msg("room: unreadable share slot")
			return
		}
	}
	sharer := ""
	if slot.Live(time.Now()) {
		sharer = slot.SharerID
	}
	if sharer == rc.sharer {
		return
	}
	rc.sharer = sharer
	c.opts.Events.Emit(events.New(events.TypeShareAvailable, c.opts.Self.ID, models.ScreenShareState{
		RoomID:   rc.room.ID,
		SharerID: sharer,
		IsLocal:  sharer == c.opts.Self.ID,
		Active:   sharer != "",
	}))
	c.emit()
}

func (c *Caller) emit() {
	c.opts.Events.Emit(events.New(events.TypeRoomState, c.opts.Self.ID, c.stateLocked()))
}

func (c *Caller) onPresence(rc *roomCall, ev store.Event) {
	if c.active != rc {
		return
	}
	id, ok := rc.room.ParticipantFromPath(ev.Key)
	if !ok {
		return
	}
	self := c.opts.Self.ID

	switch ev.Op {
	case store.OpPut:
		if rc.present[id] {
			return
		}
		rc.present[id] = true
		if id == self {
			break
		}
		if models.Offerer(self, id) == self {
			c.connect(rc, id, nil)
		} else {
			// wait for the peer's offer, which may already be buffered
			pending := rc.early[id]
			delete(rc.early, id)
			for _, msg := range pending {
				c.route(rc, msg)
			}
		}
	case store.OpDelete:
		if !rc.present[id] {
			return
		}
		delete(rc.present, id)
		if id == self {
			// someone removed the record, so the call is over for us too
			c.log.Info().Str("room", rc.room.ID).Msg("room: call record removed")
			if err := c.teardown(context.Background(), rc, false); err != nil {
				c.log.Warn().Err(err).Msg("room: teardown incomplete")
			}
			return
		}
		if err := c.disconnect(rc, id); err != nil {
			c.log.Debug().Err(err).Str("peer", id).Msg("room: closing pair")
		}
		delete(rc.early, id)
	}
	c.emit()
}

// connect opens the pair with id. Without an offer we are the offering
// side and start a new pair generation; with one we answer it. Buffered
// signals of the same generation are applied after the offer.
func (c *Caller) connect(rc *roomCall, id string, offer *models.Message) {
	self := c.opts.Self.ID
	role, callID := peer.RoleOfferer, uuid.New().String()
	if offer != nil {
		role, callID = peer.RoleAnswerer, offer.CallID
	}

	var conn *peer.Conn
	conn, err := peer.New(c.opts.Factory, peer.Config{
		Self:   self,
		Remote: id,
		CallID: callID,
		Role:   role,
		Send: func(ctx context.Context, msg models.Message) error {
			_, err := c.opts.Channel.Send(ctx, rc.room, msg)
			return err
		},
		OnState: func(st webrtc.PeerConnectionState) {
			c.loop.Post(func() { c.onPairState(rc, id, conn, st) })
		},
		OnTrack: func(t transport.RemoteTrack) {
			c.loop.Post(func() { c.onTrack(rc, id, conn, t) })
		},
	})
	if err == nil {
		err = conn.AddStream(rc.stream)
	}
	if err != nil {
		c.log.Error().Err(err).Str("peer", id).Msg("room: failed to open pair")
		if conn != nil {
			conn.Close()
		}
		return
	}
	rc.conns[id] = conn
	c.log.Debug().Str("room", rc.room.ID).Str("peer", id).Str("role", string(role)).Msg("room: pair opened")

	if offer != nil {
		c.apply(conn, *offer)
	}
	pending := rc.early[id]
	delete(rc.early, id)
	for _, msg := range pending {
		if msg.CallID == callID {
			c.apply(conn, msg)
		}
	}
	if role == peer.RoleOfferer {
		if err := conn.Offer(); err != nil {
			c.log.Error().Err(err).Str("peer", id).Msg("room: offer failed")
		}
	}
}

// disconnect closes the pair with id and its audio sink.
func (c *Caller) disconnect(rc *roomCall, id string) error {
	var errs error
	if sink, ok := rc.sinks[id]; ok {
		errs = multierr.Append(errs, sink.Close())
		delete(rc.sinks, id)
	}
	if conn, ok := rc.conns[id]; ok {
		errs = multierr.Append(errs, conn.Close())
		delete(rc.conns, id)
	}
	return errs
}

func (c *Caller) onSignal(rc *roomCall, d signaling.Delivery) {
	if c.active != rc {
		return
	}
	ok, err := c.opts.Channel.Consume(rc.ctx, d)
	if err != nil || !ok {
		return
	}
	c.route(rc, d.Message)
	c.emit()
}

// route hands msg to the pair of its generation. An offer of a new
// generation replaces the pair; anything that arrives ahead of its pair is
// buffered.
func (c *Caller) route(rc *roomCall, msg models.Message) {
	id := msg.Sender
	if !rc.present[id] {
		rc.early[id] = append(rc.early[id], msg)
		return
	}
	conn := rc.conns[id]

	if msg.Kind == models.KindOffer {
		if conn != nil && conn.CallID() == msg.CallID {
			return
		}
		if conn != nil {
			c.log.Info().Str("peer", id).Msg("room: peer rebuilt the pair, replacing it")
			if err := c.disconnect(rc, id); err != nil {
				c.log.Debug().Err(err).Str("peer", id).Msg("room: closing replaced pair")
			}
		}
		c.connect(rc, id, &msg)
		return
	}

	if conn == nil || conn.CallID() != msg.CallID {
		rc.early[id] = append(rc.early[id], msg)
		return
	}
	c.apply(conn, msg)
}

func (c *Caller) apply(conn *peer.Conn, msg models.Message) {
	var err error
	switch msg.Kind {
	case models.KindOffer:
		var d webrtc.SessionDescription
		if d, err = msg.Description(); err == nil {
			err = conn.HandleOffer(d)
		}
	case models.KindAnswer:
		var d webrtc.SessionDescription
		if d, err = msg.Description(); err == nil {
			err = conn.HandleAnswer(d)
		}
	case models.KindICECandidate:
		var cand webrtc.ICECandidateInit
		if cand, err = msg.Candidate(); err == nil {
			err = conn.HandleCandidate(cand)
		}
	default:
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("peer", msg.Sender).Str("kind", string(msg.Kind)).Msg("room: signal not applied")
	}
}

// onPairState rebuilds a failed pair at once. The offering side starts a
// new generation; the answering side waits for it.
func (c *Caller) onPairState(rc *roomCall, id string, conn *peer.Conn, st webrtc.PeerConnectionState) {
	if c.active != rc || rc.conns[id] != conn {
		return
	}
	if !transport.Broken(st) {
		c.emit()
		return
	}

	c.log.Warn().Str("room", rc.room.ID).Str("peer", id).Str("state", st.String()).Msg("room: pair lost, reconnecting")
	if err := c.disconnect(rc, id); err != nil {
		c.log.Debug().Err(err).Str("peer", id).Msg("room: closing failed pair")
	}
	self := c.opts.Self.ID
	stale := func(m models.Message) bool { return m.Sender == self && m.Receiver == id }
	if err := c.opts.Channel.Purge(rc.ctx, rc.room.CandidatesPrefix(), stale); err != nil {
		c.log.Debug().Err(err).Str("peer", id).Msg("room: purging stale candidates")
	}
	if rc.present[id] && models.Offerer(self, id) == self {
		c.connect(rc, id, nil)
	}
	c.emit()
}

func (c *Caller) onTrack(rc *roomCall, id string, conn *peer.Conn, t transport.RemoteTrack) {
	if c.active != rc || rc.conns[id] != conn {
		return
	}
	if _, ok := rc.sinks[id]; ok || t.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	rc.sinks[id] = c.opts.Sinks(id, t)
}

// teardown ends rc locally. With leave set it also removes our presence and
// deletes the room record once at most one participant is left.
func (c *Caller) teardown(ctx context.Context, rc *roomCall, leave bool) error {
	self := c.opts.Self.ID
	s := c.opts.Channel.Store()
	rc.cancel()

	var errs error
	for id := range rc.conns {
		errs = multierr.Append(errs, c.disconnect(rc, id))
	}
	rc.stream.Stop()

	if leave {
		errs = multierr.Append(errs, s.Delete(ctx, rc.room.ParticipantPath(self)))
	}
	ours := signaling.Involving(self)
	errs = multierr.Append(errs, c.opts.Channel.Purge(ctx, rc.room.SignalingPrefix(), ours))
	errs = multierr.Append(errs, c.opts.Channel.Purge(ctx, rc.room.CandidatesPrefix(), ours))

	if leave {
		left, err := Participants(ctx, s, rc.room.ID)
		errs = multierr.Append(errs, err)
		if err == nil && len(left) <= 1 {
			errs = multierr.Append(errs, s.DeletePrefix(ctx, rc.room.Root()))
			c.log.Info().Str("room", rc.room.ID).Msg("room: call record deleted")
		}
	}

	c.opts.Line.Release(lineOwner(rc.room.ID))
	c.active = nil
	c.log.Info().Str("room", rc.room.ID).Msg("room: left call")
	c.emit()
	return errs
}
