package screenshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

var viewerFlag = []byte("true")

// RoomShare shares the local display with a room, or views the share
// running in one. A room has a single sharer, recorded in its slot; the
// sharer offers to every registered viewer.
type RoomShare struct {
	opts Options
	loop *loop.Loop
	log  zerolog.Logger

	cur *roomShare
}

type roomShare struct {
	room    signaling.Room
	sharing bool
	sharer  string
	ctx     context.Context
	cancel  context.CancelFunc

	stream  *media.Stream
	viewers map[string]bool
	conns   map[string]*peer.Conn

	sink  media.Sink
	early []models.Message

	startedAt int64
}

func NewRoomShare(opts Options) (*RoomShare, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	return &RoomShare{
		opts: opts,
		loop: loop.New("roomshare:" + opts.Self.ID),
		log:  log.With().Str("component", "roomshare").Str("user", opts.Self.ID).Logger(),
	}, nil
}

// Slot reads the sharer slot of roomID. A missing or stale slot is
// inactive.
func Slot(ctx context.Context, s store.Store, roomID string) (models.RoomShareSlot, error) {
	var slot models.RoomShareSlot
	data, err := s.Get(ctx, signaling.RoomScreen(roomID).StatePath())
	if errors.Is(err, store.ErrNotFound) {
		return slot, nil
	}
	if err != nil {
		return slot, err
	}
	if err := json.Unmarshal(data, &slot); err != nil {
		return slot, fmt.Errorf("room %s share slot: %w", roomID, err)
	}
	if !slot.Live(time.Now()) {
		return models.RoomShareSlot{}, nil
	}
	return slot, nil
}

func putSlot(ctx context.Context, s store.Store, room signaling.Room, slot models.RoomShareSlot) error {
	data, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	return s.Put(ctx, room.StatePath(), data)
}

func validRoom(roomID string) error {
	if err := models.ValidateUserID(roomID); err != nil {
		return fmt.Errorf("%w: room %q", ErrInvalid, roomID)
	}
	return nil
}

// Start shares the local display in roomID. It fails with ErrShareActive
// while someone else holds the slot; starting again as the sharer does
// nothing.
func (r *RoomShare) Start(ctx context.Context, roomID string) (models.ScreenShareState, error) {
	if err := validRoom(roomID); err != nil {
		return models.ScreenShareState{}, err
	}
	room := signaling.RoomScreen(roomID)
	s := r.opts.Channel.Store()
	self := r.opts.Self.ID

	var state models.ScreenShareState
	var already bool
	err := r.loop.Do(func() error {
		if rs := r.cur; rs != nil {
			if rs.sharing && rs.room.ID == roomID {
				already = true
				state = r.stateLocked()
				return nil
			}
			return ErrShareActive
		}
		return nil
	})
	if err != nil || already {
		return state, err
	}
	if err := r.checkSlot(ctx, roomID); err != nil {
		return state, err
	}

	stream, err := media.AcquireDisplay(ctx, r.opts.Media, r.opts.Display)
	if err != nil {
		toast(r.opts.Events, self, NoticeDisplay)
		return state, err
	}

	err = r.loop.Do(func() error {
		if r.cur != nil {
			return ErrShareActive
		}
		if err := r.checkSlot(ctx, roomID); err != nil {
			return err
		}
		now := time.Now()
		slot := models.RoomShareSlot{Active: true, SharerID: self, StartedAt: now.UnixMilli(), ExpiresAt: r.expiry(now)}
		if err := putSlot(ctx, s, room, slot); err != nil {
			return fmt.Errorf("claim share slot of %s: %w", roomID, err)
		}
		if err := r.share(room, stream, slot.StartedAt); err != nil {
			_ = putSlot(ctx, s, room, models.RoomShareSlot{})
			return err
		}
		state = r.stateLocked()
		return nil
	})
	if err != nil {
		stream.Stop()
	}
	return state, err
}

func (r *RoomShare) checkSlot(ctx context.Context, roomID string) error {
	slot, err := Slot(ctx, r.opts.Channel.Store(), roomID)
	if err != nil {
		return err
	}
	if slot.Active && slot.SharerID != r.opts.Self.ID {
		return ErrShareActive
	}
	return nil
}

func (r *RoomShare) share(room signaling.Room, stream *media.Stream, startedAt int64) error {
	rs := &roomShare{
		room:      room,
		sharing:   true,
		sharer:    r.opts.Self.ID,
		stream:    stream,
		viewers:   make(map[string]bool),
		conns:     make(map[string]*peer.Conn),
		startedAt: startedAt,
	}
	if err := r.watch(rs, room.ParticipantsPrefix()); err != nil {
		return err
	}
	stream.OnEnded(func() {
		r.loop.Post(func() { r.captureEnded(rs) })
	})
	go r.heartbeat(rs)
	r.cur = rs
	r.log.Info().Str("room", room.ID).Msg("roomshare: sharing")
	r.emit()
	return nil
}

func (r *RoomShare) expiry(now time.Time) int64 {
	return now.Add(3 * r.opts.Heartbeat).UnixMilli()
}

// heartbeat keeps the slot of rs from going stale until rs ends.
func (r *RoomShare) heartbeat(rs *roomShare) {
	t := time.NewTicker(r.opts.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-t.C:
			r.loop.Post(func() { r.refresh(rs) })
		}
	}
}

func (r *RoomShare) refresh(rs *roomShare) {
	if r.cur != rs {
		return
	}
	now := time.Now()
	slot := models.RoomShareSlot{Active: true, SharerID: rs.sharer, StartedAt: rs.startedAt, ExpiresAt: r.expiry(now)}
	if err := putSlot(rs.ctx, r.opts.Channel.Store(), rs.room, slot); err != nil {
		r.log.Warn().Err(err).Str("room", rs.room.ID).Msg("roomshare: slot refresh failed")
	}
}

// Join registers the local user as a viewer of the share running in
// roomID. The sharer then offers to us.
func (r *RoomShare) Join(ctx context.Context, roomID string) (models.ScreenShareState, error) {
	if err := validRoom(roomID); err != nil {
		return models.ScreenShareState{}, err
	}
	room := signaling.RoomScreen(roomID)
	self := r.opts.Self.ID

	var state models.ScreenShareState
	err := r.loop.Do(func() error {
		if rs := r.cur; rs != nil {
			if !rs.sharing && rs.room.ID == roomID {
				state = r.stateLocked()
				return nil
			}
			return ErrShareActive
		}
		slot, err := Slot(ctx, r.opts.Channel.Store(), roomID)
		if err != nil {
			return err
		}
		if !slot.Active {
			return ErrNoShare
		}
		if slot.SharerID == self {
			return ErrShareActive
		}

		rs := &roomShare{
			room:   room,
			sharer: slot.SharerID,
			conns:  make(map[string]*peer.Conn),
		}
		if err := r.opts.Channel.Store().Put(ctx, room.ParticipantPath(self), viewerFlag); err != nil {
			return fmt.Errorf("join share in %s: %w", roomID, err)
		}
		if err := r.watch(rs, room.StatePath()); err != nil {
			_ = r.opts.Channel.Store().Delete(ctx, room.ParticipantPath(self))
			return err
		}
		r.cur = rs
		r.log.Info().Str("room", roomID).Str("sharer", slot.SharerID).Msg("roomshare: viewing")
		r.emit()
		state = r.stateLocked()
		return nil
	})
	return state, err
}

// watch follows docs (viewers for the sharer, the slot for a viewer) and
// the signaling addressed to us.
func (r *RoomShare) watch(rs *roomShare, docs string) error {
	self := r.opts.Self.ID
	rs.ctx, rs.cancel = context.WithCancel(context.Background())

	changes, err := r.opts.Channel.Store().Watch(rs.ctx, docs)
	if err == nil {
		deliver := func(d signaling.Delivery) {
			r.loop.Post(func() { r.onSignal(rs, d) })
		}
		err = multierr.Combine(
			r.opts.Channel.Subscribe(rs.ctx, rs.room.SignalingPrefix(), self, deliver),
			r.opts.Channel.Subscribe(rs.ctx, rs.room.CandidatesPrefix(), self, deliver),
		)
	}
	if err != nil {
		rs.cancel()
		return fmt.Errorf("watch share in %s: %w", rs.room.ID, err)
	}
	go func() {
		for ev := range changes {
			r.loop.Post(func() { r.onDoc(rs, ev) })
		}
	}()
	return nil
}

// Stop ends the local share, or stops viewing.
func (r *RoomShare) Stop(ctx context.Context) error {
	return r.loop.Do(func() error {
		rs := r.cur
		if rs == nil {
			return ErrNotSharing
		}
		return r.teardown(ctx, rs)
	})
}

func (r *RoomShare) State() models.ScreenShareState {
	var state models.ScreenShareState
	_ = r.loop.Do(func() error {
		state = r.stateLocked()
		return nil
	})
	return state
}

func (r *RoomShare) Close() error {
	err := r.Stop(context.Background())
	if errors.Is(err, ErrNotSharing) || errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	r.loop.Stop()
	return err
}

func (r *RoomShare) stateLocked() models.ScreenShareState {
	rs := r.cur
	if rs == nil {
		return models.ScreenShareState{}
	}
	return models.ScreenShareState{
		RoomID:   rs.room.ID,
		SharerID: rs.sharer,
		IsLocal:  rs.sharing,
		Active:   true,
	}
}

func (r *RoomShare) emit() {
	r.opts.Events.Emit(events.New(events.TypeShareState, r.opts.Self.ID, r.stateLocked()))
}

func (r *RoomShare) onDoc(rs *roomShare, ev store.Event) {
	if r.cur != rs {
		return
	}
	if rs.sharing {
		r.onViewer(rs, ev)
		return
	}

	// viewers follow the slot
	var slot models.RoomShareSlot
	if ev.Op == store.OpPut {
		if err := json.Unmarshal(ev.Value, &slot); err != nil {
			r.log.Debug().Err(err).Str("room", rs.room.ID).Msg("roomshare: unreadable slot")
			return
		}
	}
	if !slot.Live(time.Now()) {
		r.log.Info().Str("room", rs.room.ID).Msg("roomshare: share ended")
		if err := r.teardown(context.Background(), rs); err != nil {
			r.log.Warn().Err(err).Msg("roomshare: teardown incomplete")
		}
		toast(r.opts.Events, r.opts.Self.ID, NoticeShareEnded)
		return
	}
	if slot.SharerID != rs.sharer {
		rs.sharer = slot.SharerID
		r.emit()
	}
}

func (r *RoomShare) onViewer(rs *roomShare, ev store.Event) {
	id, ok := rs.room.ParticipantFromPath(ev.Key)
	if !ok || id == r.opts.Self.ID {
		return
	}
	switch ev.Op {
	case store.OpPut:
		if rs.viewers[id] {
			return
		}
		rs.viewers[id] = true
		r.offer(rs, id)
	case store.OpDelete:
		if !rs.viewers[id] {
			return
		}
		delete(rs.viewers, id)
		if err := r.disconnect(rs, id); err != nil {
			r.log.Debug().Err(err).Str("viewer", id).Msg("roomshare: closing viewer")
		}
	}
	r.emit()
}

func (r *RoomShare) open(rs *roomShare, id, callID string, role peer.Role) (*peer.Conn, error) {
	var conn *peer.Conn
	conn, err := peer.New(r.opts.Factory, peer.Config{
		Self:   r.opts.Self.ID,
		Remote: id,
		CallID: callID,
		Role:   role,
		Send: func(ctx context.Context, msg models.Message) error {
			_, err := r.opts.Channel.Send(ctx, rs.room, msg)
			return err
		},
		OnState: func(st webrtc.PeerConnectionState) {
			r.loop.Post(func() { r.onPairState(rs, id, conn, st) })
		},
		OnTrack: func(t transport.RemoteTrack) {
			r.loop.Post(func() {
				if r.cur == rs && rs.conns[id] == conn && wantSink(rs.sink, t) {
					rs.sink = r.opts.Sinks(id, t)
				}
			})
		},
	})
	return conn, err
}

// offer opens a new generation of the pair with viewer id.
func (r *RoomShare) offer(rs *roomShare, id string) {
	conn, err := r.open(rs, id, uuid.New().String(), peer.RoleOfferer)
	if err == nil {
		rs.conns[id] = conn
		if err = conn.AddStream(rs.stream); err == nil {
			err = conn.Offer()
		}
	}
	if err != nil {
		r.log.Error().Err(err).Str("viewer", id).Msg("roomshare: offer failed")
	}
}

func (r *RoomShare) disconnect(rs *roomShare, id string) error {
	conn, ok := rs.conns[id]
	if !ok {
		return nil
	}
	delete(rs.conns, id)
	var errs error
	if !rs.sharing && rs.sink != nil {
		errs = multierr.Append(errs, rs.sink.Close())
		rs.sink = nil
	}
	return multierr.Append(errs, conn.Close())
}

func (r *RoomShare) onSignal(rs *roomShare, d signaling.Delivery) {
	if r.cur != rs {
		return
	}
	ok, err := r.opts.Channel.Consume(rs.ctx, d)
	if err != nil || !ok {
		return
	}
	msg := d.Message
	conn := rs.conns[msg.Sender]

	if !rs.sharing && msg.Kind == models.KindOffer {
		if conn != nil && conn.CallID() == msg.CallID {
			return
		}
		r.answer(rs, msg)
		return
	}
	if conn == nil || conn.CallID() != msg.CallID {
		if !rs.sharing {
			if len(rs.early) == maxEarly {
				rs.early = rs.early[1:]
			}
			rs.early = append(rs.early, msg)
		}
		return
	}
	r.apply(conn, msg)
}

// answer replaces the viewer's session with one for the offer's
// generation.
func (r *RoomShare) answer(rs *roomShare, offer models.Message) {
	id := offer.Sender
	for old := range rs.conns {
		if err := r.disconnect(rs, old); err != nil {
			r.log.Debug().Err(err).Str("sharer", old).Msg("roomshare: closing replaced session")
		}
	}
	conn, err := r.open(rs, id, offer.CallID, peer.RoleAnswerer)
	if err == nil {
		err = conn.ReceiveOnly(webrtc.RTPCodecTypeVideo)
	}
	if err != nil {
		r.log.Error().Err(err).Str("sharer", id).Msg("roomshare: cannot open viewer session")
		if conn != nil {
			conn.Close()
		}
		return
	}
	rs.conns[id] = conn
	r.apply(conn, offer)

	var keep []models.Message
	for _, msg := range rs.early {
		switch {
		case msg.Sender == id && msg.CallID == offer.CallID:
			r.apply(conn, msg)
		case msg.Sender == id:
			// an older generation
		default:
			keep = append(keep, msg)
		}
	}
	rs.early = keep
	r.emit()
}

func (r *RoomShare) apply(conn *peer.Conn, msg models.Message) {
	if err := applySignal(conn, msg); err != nil {
		r.log.Warn().Err(err).Str("peer", msg.Sender).Str("kind", string(msg.Kind)).Msg("roomshare: signal not applied")
	}
}

// onPairState re-offers a failed viewer. A viewer drops its end and waits
// for the new offer.
func (r *RoomShare) onPairState(rs *roomShare, id string, conn *peer.Conn, st webrtc.PeerConnectionState) {
	if r.cur != rs || rs.conns[id] != conn {
		return
	}
	if !transport.Broken(st) {
		r.emit()
		return
	}
	r.log.Warn().Str("room", rs.room.ID).Str("peer", id).Str("state", st.String()).Msg("roomshare: pair lost")
	if err := r.disconnect(rs, id); err != nil {
		r.log.Debug().Err(err).Str("peer", id).Msg("roomshare: closing failed pair")
	}
	self := r.opts.Self.ID
	stale := func(m models.Message) bool { return m.Sender == self && m.Receiver == id }
	if err := r.opts.Channel.Purge(rs.ctx, rs.room.CandidatesPrefix(), stale); err != nil {
		r.log.Debug().Err(err).Str("peer", id).Msg("roomshare: purging stale candidates")
	}
	if rs.sharing && rs.viewers[id] {
		r.offer(rs, id)
	}
	r.emit()
}

func (r *RoomShare) captureEnded(rs *roomShare) {
	if r.cur != rs {
		return
	}
	r.log.Info().Str("room", rs.room.ID).Msg("roomshare: capture ended")
	if err := r.teardown(context.Background(), rs); err != nil {
		r.log.Warn().Err(err).Msg("roomshare: teardown incomplete")
	}
	toast(r.opts.Events, r.opts.Self.ID, NoticeShareEnded)
}

// teardown ends rs. A sharer also clears the room's viewers and signaling
// and marks the slot inactive; a viewer removes its registration.
func (r *RoomShare) teardown(ctx context.Context, rs *roomShare) error {
	s := r.opts.Channel.Store()
	self := r.opts.Self.ID
	rs.cancel()

	var errs error
	for id := range rs.conns {
		errs = multierr.Append(errs, r.disconnect(rs, id))
	}
	if rs.sink != nil {
		errs = multierr.Append(errs, rs.sink.Close())
		rs.sink = nil
	}
	rs.stream.Stop()

	if rs.sharing {
		errs = multierr.Append(errs, s.DeletePrefix(ctx, rs.room.ParticipantsPrefix()))
		errs = multierr.Append(errs, s.DeletePrefix(ctx, rs.room.SignalingPrefix()))
		errs = multierr.Append(errs, s.DeletePrefix(ctx, rs.room.CandidatesPrefix()))
		errs = multierr.Append(errs, putSlot(ctx, s, rs.room, models.RoomShareSlot{}))
	} else {
		ours := signaling.Involving(self)
		errs = multierr.Append(errs, r.opts.Channel.Purge(ctx, rs.room.SignalingPrefix(), ours))
		errs = multierr.Append(errs, r.opts.Channel.Purge(ctx, rs.room.CandidatesPrefix(), ours))
		errs = multierr.Append(errs, s.Delete(ctx, rs.room.ParticipantPath(self)))
	}

	r.cur = nil
	r.log.Info().Str("room", rs.room.ID).Bool("sharing", rs.sharing).Msg("roomshare: stopped")
	r.emit()
	return errs
}
