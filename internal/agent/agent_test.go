package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/store"
	"github.com/mossy-p/webrtc-calls/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorders hands every user its own event recorder.
type recorders struct {
	mu   sync.Mutex
	byID map[string]*events.Recorder
}

func (r *recorders) emitter(user string) events.Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[string]*events.Recorder)
	}
	rec := &events.Recorder{}
	r.byID[user] = rec
	return rec
}

func (r *recorders) of(user string) *events.Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[user]
}

func newRegistry(t *testing.T) (*Registry, *recorders) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	recs := &recorders{}
	reg := NewRegistry(Deps{
		Channel:     signaling.New(s),
		Factory:     transporttest.NewFactory(),
		Media:       &mediatest.Source{},
		Emitter:     recs.emitter,
		CallTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg, recs
}

func TestRegistryReturnsOneAgentPerUser(t *testing.T) {
	reg, _ := newRegistry(t)

	a1, err := reg.Get(models.User{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	a2, err := reg.Get(models.User{ID: "alice", Name: "Alice B."})
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, "Alice", a2.User.Name)

	_, err = reg.Get(models.User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Get(models.User{ID: ""})
	assert.Error(t, err)

	require.NoError(t, reg.Remove("bob"))
	_, ok := reg.Lookup("bob")
	assert.False(t, ok)
	assert.NoError(t, reg.Remove("nobody"))
}

func TestAgentsCallEachOther(t *testing.T) {
	reg, recs := newRegistry(t)
	ctx := context.Background()
	alice, err := reg.Get(models.User{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	bob, err := reg.Get(models.User{ID: "bob", Name: "Bob"})
	require.NoError(t, err)

	_, err = alice.Phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Phone.Session().State == models.StateIncoming }, 2*time.Second, 5*time.Millisecond)

	// the default bridge forwards the notification and ringtone to the UI
	require.Eventually(t, func() bool {
		return len(recs.of("bob").OfType(events.TypeNotification)) == 1 &&
			len(recs.of("bob").OfType(events.TypeRingtone)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = bob.Phone.Accept(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.Phone.Session().State == models.StateConnected && bob.Phone.Session().State == models.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	_, err = alice.Rooms.StartCall(ctx, "standup")
	assert.ErrorIs(t, err, call.ErrBusy, "a 1:1 call holds the line")
	_, err = alice.Share.Start(ctx, "bob")
	assert.NoError(t, err, "screen sharing does not take the line")

	require.NoError(t, alice.Phone.Hangup(ctx))
	require.Eventually(t, func() bool { return bob.Phone.Session().State == models.StateIdle }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, alice.Line.Busy())
}

func TestRegistryCloseStopsEveryAgent(t *testing.T) {
	reg, _ := newRegistry(t)
	alice, err := reg.Get(models.User{ID: "alice"})
	require.NoError(t, err)
	_, err = alice.Rooms.StartCall(context.Background(), "standup")
	require.NoError(t, err)

	require.NoError(t, reg.Close(context.Background()))
	assert.Zero(t, reg.Len())
	assert.False(t, alice.Line.Busy(), "closing leaves the room call")

	_, err = reg.Get(models.User{ID: "alice"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRoomMembersDiscoverScreenShare(t *testing.T) {
	reg, recs := newRegistry(t)
	ctx := context.Background()
	alice, err := reg.Get(models.User{ID: "alice"})
	require.NoError(t, err)
	bob, err := reg.Get(models.User{ID: "bob"})
	require.NoError(t, err)

	_, err = alice.Rooms.StartCall(ctx, "standup")
	require.NoError(t, err)
	_, err = bob.Rooms.JoinCall(ctx, "standup")
	require.NoError(t, err)

	// alice starts sharing after bob is already in the call
	_, err = alice.RoomShare.Start(ctx, "standup")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range recs.of("bob").OfType(events.TypeShareAvailable) {
			if st := e.Data.(models.ScreenShareState); st.Active && st.SharerID == "alice" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice", bob.Rooms.State().SharerID)

	st, err := bob.RoomShare.Join(ctx, "standup")
	require.NoError(t, err)
	assert.Equal(t, "alice", st.SharerID)
}
