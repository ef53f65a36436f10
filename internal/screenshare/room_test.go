package screenshare

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roomUser struct {
	*user
	share *RoomShare
}

func newRoomUser(t *testing.T, ch *signaling.Channel, id string) *roomUser {
	return newRoomUserWith(t, ch, id, nil)
}

func newRoomUserWith(t *testing.T, ch *signaling.Channel, id string, mutate func(*Options)) *roomUser {
	t.Helper()
	u := &roomUser{user: newUser(id)}
	opts := u.options(ch)
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRoomShare(opts)
	require.NoError(t, err)
	u.share = r
	t.Cleanup(func() { r.Close() })
	return u
}

func (u *roomUser) inactive() bool { return !u.share.State().Active }

// sharing starts alice's share in demo with bob and carol viewing.
func sharing(t *testing.T) (alice, bob, carol *roomUser, ch *signaling.Channel) {
	t.Helper()
	ch, _ = newChannel(t)
	alice = newRoomUser(t, ch, "alice")
	bob = newRoomUser(t, ch, "bob")
	carol = newRoomUser(t, ch, "carol")
	ctx := context.Background()

	st, err := alice.share.Start(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, st.IsLocal)
	for _, v := range []*roomUser{bob, carol} {
		st, err := v.share.Join(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, "alice", st.SharerID)
		assert.False(t, st.IsLocal)
	}
	require.Eventually(t, func() bool {
		return alice.connected(2) && bob.connected(1) && carol.connected(1)
	}, wait, tick)
	return alice, bob, carol, ch
}

func TestRoomShareSharerOffersToEveryViewer(t *testing.T) {
	alice, bob, carol, ch := sharing(t)

	for _, s := range alice.factory.Sessions() {
		assert.Equal(t, 1, s.Offers())
		assert.Len(t, s.Tracks(), 1)
	}
	for _, v := range []*roomUser{bob, carol} {
		s := v.factory.Sessions()[0]
		assert.Zero(t, s.Offers(), "viewers never offer")
		assert.NotEmpty(t, s.ReceiveOnly())
		assert.Empty(t, v.media.Requests())
	}

	slot, err := Slot(context.Background(), ch.Store(), "demo")
	require.NoError(t, err)
	assert.True(t, slot.Active)
	assert.Equal(t, "alice", slot.SharerID)
}

func TestRoomShareSingleSharer(t *testing.T) {
	alice, bob, _, ch := sharing(t)
	dave := newRoomUser(t, ch, "dave")
	ctx := context.Background()

	_, err := dave.share.Start(ctx, "demo")
	assert.ErrorIs(t, err, ErrShareActive)
	assert.Empty(t, dave.media.Requests(), "a refused sharer never captures")

	_, err = bob.share.Start(ctx, "demo")
	assert.ErrorIs(t, err, ErrShareActive)

	st, err := alice.share.Start(ctx, "demo")
	require.NoError(t, err, "restarting as the sharer is a no-op")
	assert.True(t, st.IsLocal)
	assert.Len(t, alice.media.Requests(), 1)
	assert.Len(t, alice.factory.Sessions(), 2)
}

func TestRoomShareStopEndsViewers(t *testing.T) {
	alice, bob, carol, ch := sharing(t)
	ctx := context.Background()
	room := signaling.RoomScreen("demo")

	require.NoError(t, alice.share.Stop(ctx))
	assert.True(t, alice.inactive())
	assert.Zero(t, alice.media.Live())

	slot, err := Slot(ctx, ch.Store(), "demo")
	require.NoError(t, err)
	assert.False(t, slot.Active)
	left, err := ch.Store().List(ctx, room.SignalingPrefix())
	require.NoError(t, err)
	assert.Empty(t, left)

	for _, v := range []*roomUser{bob, carol} {
		require.Eventually(t, v.inactive, wait, tick, "%s keeps viewing", v.id)
		assert.Empty(t, v.factory.Open())
		assert.True(t, v.toasted(NoticeShareEnded))
	}
	require.Eventually(t, func() bool {
		viewers, err := ch.Store().List(ctx, room.ParticipantsPrefix())
		return err == nil && len(viewers) == 0
	}, wait, tick, "viewers remove their registration")
}

func TestRoomShareEndsWhenCaptureEnds(t *testing.T) {
	alice, bob, _, ch := sharing(t)

	alice.media.EndAll()

	require.Eventually(t, alice.inactive, wait, tick)
	require.Eventually(t, bob.inactive, wait, tick)
	slot, err := Slot(context.Background(), ch.Store(), "demo")
	require.NoError(t, err)
	assert.False(t, slot.Active)
}

func TestRoomShareViewerLeaves(t *testing.T) {
	alice, bob, carol, _ := sharing(t)

	require.NoError(t, bob.share.Stop(context.Background()))
	assert.True(t, bob.inactive())
	require.Eventually(t, func() bool { return alice.connected(1) }, wait, tick)
	assert.True(t, carol.connected(1))
	assert.False(t, alice.inactive())
}

func TestRoomShareReoffersFailedViewer(t *testing.T) {
	alice, bob, carol, _ := sharing(t)

	alice.factory.Sessions()[0].Fail()

	require.Eventually(t, func() bool { return len(alice.factory.Sessions()) == 3 }, wait, tick)
	require.Eventually(t, func() bool {
		return alice.connected(2) && bob.connected(1) && carol.connected(1)
	}, wait, tick)
}

func TestRoomShareJoinWithoutSharer(t *testing.T) {
	ch, _ := newChannel(t)
	bob := newRoomUser(t, ch, "bob")

	_, err := bob.share.Join(context.Background(), "demo")
	assert.ErrorIs(t, err, ErrNoShare)
	_, err = bob.share.Join(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, bob.share.Stop(context.Background()), ErrNotSharing)
}

func rawSlot(t *testing.T, ch *signaling.Channel, roomID string) models.RoomShareSlot {
	t.Helper()
	data, err := ch.Store().Get(context.Background(), signaling.RoomScreen(roomID).StatePath())
	require.NoError(t, err)
	var slot models.RoomShareSlot
	require.NoError(t, json.Unmarshal(data, &slot))
	return slot
}

func TestRoomShareStopClearsEveryViewerRegistration(t *testing.T) {
	alice, _, _, ch := sharing(t)
	ctx := context.Background()
	room := signaling.RoomScreen("demo")

	// a viewer whose agent went away never removes its own flag
	require.NoError(t, ch.Store().Put(ctx, room.ParticipantPath("ghost"), []byte("true")))

	require.NoError(t, alice.share.Stop(ctx))
	viewers, err := ch.Store().List(ctx, room.ParticipantsPrefix())
	require.NoError(t, err)
	assert.Empty(t, viewers)
}

func TestRoomShareStaleSlotIsFree(t *testing.T) {
	ch, _ := newChannel(t)
	dave := newRoomUser(t, ch, "dave")
	erin := newRoomUser(t, ch, "erin")
	ctx := context.Background()

	data, err := json.Marshal(models.RoomShareSlot{
		Active:    true,
		SharerID:  "ghost",
		ExpiresAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, ch.Store().Put(ctx, signaling.RoomScreen("demo").StatePath(), data))

	slot, err := Slot(ctx, ch.Store(), "demo")
	require.NoError(t, err)
	assert.False(t, slot.Active, "a sharer that stopped refreshing holds nothing")
	_, err = erin.share.Join(ctx, "demo")
	assert.ErrorIs(t, err, ErrNoShare)

	st, err := dave.share.Start(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, st.IsLocal)
	assert.Equal(t, "dave", rawSlot(t, ch, "demo").SharerID)
}

func TestRoomShareHeartbeatKeepsSlotLive(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newRoomUserWith(t, ch, "alice", func(o *Options) { o.Heartbeat = 20 * time.Millisecond })
	ctx := context.Background()

	_, err := alice.share.Start(ctx, "demo")
	require.NoError(t, err)
	first := rawSlot(t, ch, "demo")
	assert.True(t, first.Live(time.Now()))

	require.Eventually(t, func() bool {
		return rawSlot(t, ch, "demo").ExpiresAt > first.ExpiresAt
	}, wait, tick, "the sharer pushes its expiry forward")
	assert.Equal(t, first.StartedAt, rawSlot(t, ch, "demo").StartedAt)

	require.NoError(t, alice.share.Stop(ctx))
	assert.False(t, rawSlot(t, ch, "demo").Active)
}
