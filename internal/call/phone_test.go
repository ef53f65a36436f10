package call

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/events"
	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/notify"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/mossy-p/webrtc-calls/internal/store"
	"github.com/mossy-p/webrtc-calls/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

type party struct {
	phone   *Phone
	line    *Line
	events  *events.Recorder
	bridge  *notify.Recorder
	media   *mediatest.Source
	factory *transporttest.Factory
}

func newParty(t *testing.T, ch *signaling.Channel, id string, mutate func(*Options)) *party {
	t.Helper()
	p := &party{
		line:    NewLine(),
		events:  &events.Recorder{},
		bridge:  &notify.Recorder{},
		media:   &mediatest.Source{},
		factory: transporttest.NewFactory(),
	}
	opts := Options{
		Self:    models.User{ID: id, Name: strings.ToUpper(id[:1]) + id[1:]},
		Channel: ch,
		Factory: p.factory,
		Media:   p.media,
		Bridge:  p.bridge,
		Events:  p.events,
		Line:    p.line,
		Tick:    20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	phone, err := NewPhone(opts)
	require.NoError(t, err)
	p.phone = phone
	t.Cleanup(func() { phone.Close() })
	return p
}

func (p *party) waitState(t *testing.T, want models.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return p.phone.Session().State == want }, wait, tick,
		"%s never reached %s", p.phone.opts.Self.ID, want)
}

// states returns the distinct consecutive call states this party reported.
func (p *party) states() []models.CallState {
	var out []models.CallState
	for _, e := range p.events.OfType(events.TypeCallState) {
		s := e.Data.(models.CallSession).State
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func newChannel(t *testing.T) (*signaling.Channel, *store.Memory) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	return signaling.New(s), s
}

// kindCounter counts puts per message kind under a prefix.
type kindCounter struct {
	mu     sync.Mutex
	counts map[models.Kind]int
}

func countKinds(t *testing.T, s store.Store, prefix string) *kindCounter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	evs, err := s.Watch(ctx, prefix)
	require.NoError(t, err)
	k := &kindCounter{counts: make(map[models.Kind]int)}
	go func() {
		for ev := range evs {
			if ev.Op != store.OpPut {
				continue
			}
			msg, err := models.Decode(ev.Value)
			if err != nil {
				continue
			}
			k.mu.Lock()
			k.counts[msg.Kind]++
			k.mu.Unlock()
		}
	}()
	return k
}

func (k *kindCounter) get(kind models.Kind) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counts[kind]
}

func connect(t *testing.T, caller, callee *party, kind models.CallKind) {
	t.Helper()
	ctx := context.Background()
	_, err := caller.phone.Initiate(ctx, models.User{ID: callee.phone.opts.Self.ID}, kind)
	require.NoError(t, err)
	callee.waitState(t, models.StateIncoming)
	_, err = callee.phone.Accept(ctx)
	require.NoError(t, err)
	caller.waitState(t, models.StateConnected)
	callee.waitState(t, models.StateConnected)
}

func TestAcceptedCallConnectsAndHangupTearsDown(t *testing.T) {
	ch, s := newChannel(t)
	kinds := countKinds(t, s, signaling.NamespaceVideo+"/")
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	ctx := context.Background()

	view, err := alice.phone.Initiate(ctx, models.User{ID: "bob", Name: "Bob"}, models.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, models.StateCalling, view.State)
	assert.NotEmpty(t, view.CallID)

	bob.waitState(t, models.StateIncoming)
	assert.True(t, bob.bridge.IsRinging())
	require.Equal(t, 1, bob.bridge.ShownCount())
	assert.Equal(t, "Alice", bob.bridge.Shown[0].Name)
	assert.Equal(t, view.CallID, bob.phone.Session().CallID)

	_, err = bob.phone.Accept(ctx)
	require.NoError(t, err)
	assert.False(t, bob.bridge.IsRinging(), "accepting silences the ringtone")

	alice.waitState(t, models.StateConnected)
	bob.waitState(t, models.StateConnected)

	assert.Equal(t, []models.CallState{models.StateCalling, models.StateConnected}, alice.states())
	assert.Equal(t, []models.CallState{models.StateIncoming, models.StateConnected}, bob.states())
	require.Eventually(t, func() bool { return kinds.get(models.KindAnswer) == 1 }, wait, tick)
	assert.Equal(t, 1, kinds.get(models.KindOffer))
	assert.Equal(t, 1, kinds.get(models.KindAnswer))
	assert.NotNil(t, alice.phone.Session().ConnectedAt)
	assert.Equal(t, 2, alice.media.Live(), "video call captures audio and video")

	require.Eventually(t, func() bool { return len(alice.events.OfType(events.TypeCallDuration)) > 0 }, wait, tick)

	require.NoError(t, alice.phone.Hangup(ctx))
	assert.Equal(t, models.StateIdle, alice.phone.Session().State)
	bob.waitState(t, models.StateIdle)
	assert.Contains(t, bob.events.Toasts(), NoticeEnded)

	// nothing of the call survives on either side
	assert.Empty(t, alice.factory.Open())
	require.Eventually(t, func() bool { return len(bob.factory.Open()) == 0 }, wait, tick)
	assert.Zero(t, alice.media.Live())
	assert.Zero(t, bob.media.Live())
	assert.False(t, alice.line.Busy())
	assert.False(t, bob.line.Busy())
	require.Eventually(t, func() bool {
		left, err := s.List(ctx, signaling.NamespaceVideo+"/")
		return err == nil && len(left) == 0
	}, wait, tick, "mailboxes are cleared")
}

func TestUnansweredCallTimesOut(t *testing.T) {
	ch, s := newChannel(t)
	kinds := countKinds(t, s, "calls/bob/")
	short := func(o *Options) { o.Timeout = 300 * time.Millisecond }
	alice := newParty(t, ch, "alice", short)
	bob := newParty(t, ch, "bob", short)

	_, err := alice.phone.Initiate(context.Background(), models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	bob.waitState(t, models.StateIncoming)

	alice.waitState(t, models.StateIdle)
	bob.waitState(t, models.StateIdle)
	assert.Contains(t, alice.events.Toasts(), NoticeNoAnswer)
	assert.False(t, bob.bridge.IsRinging())
	require.Eventually(t, func() bool { return kinds.get(models.KindCallCanceled) >= 1 }, wait, tick,
		"call-canceled reached bob's mailbox")
	assert.False(t, alice.line.Busy())
}

func TestRejectedCall(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	ctx := context.Background()

	_, err := alice.phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	bob.waitState(t, models.StateIncoming)

	require.NoError(t, bob.phone.Reject(ctx))
	assert.False(t, bob.bridge.IsRinging())
	alice.waitState(t, models.StateIdle)
	assert.Contains(t, alice.events.Toasts(), NoticeRejected)
	assert.ErrorIs(t, bob.phone.Reject(ctx), ErrNoIncomingCall)
}

func TestTeardownClearsOnlyTheEndedCall(t *testing.T) {
	ch, s := newChannel(t)
	bob := newParty(t, ch, "bob", nil)
	ctx := context.Background()
	mb := signaling.Mailbox(signaling.NamespaceVoice)

	// carol has no phone of her own, so her mailbox is never drained
	req, err := models.NewCallRequest("carol", "bob", "call-1", models.CallRequest{Kind: models.CallVoice, CallerName: "Carol"})
	require.NoError(t, err)
	_, err = ch.Send(ctx, mb, req)
	require.NoError(t, err)
	bob.waitState(t, models.StateIncoming)

	earlier, err := models.NewTerminal(models.KindCallEnded, "bob", "carol", "call-1", models.ReasonHangup)
	require.NoError(t, err)
	_, err = ch.Send(ctx, mb, earlier)
	require.NoError(t, err)
	next, err := models.NewCallAccepted("bob", "carol", "call-2")
	require.NoError(t, err)
	_, err = ch.Send(ctx, mb, next)
	require.NoError(t, err)

	require.NoError(t, bob.phone.Reject(ctx))

	left, err := s.List(ctx, mb.Prefix("carol"))
	require.NoError(t, err)
	got := make(map[string]bool)
	for _, e := range left {
		msg, err := models.Decode(e.Value)
		require.NoError(t, err)
		got[msg.CallID+"/"+string(msg.Kind)] = true
	}
	assert.Contains(t, got, "call-2/call-accepted", "messages of another call survive")
	assert.Contains(t, got, "call-1/call-rejected")
	assert.NotContains(t, got, "call-1/call-ended")
}

func TestSingleActiveCall(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	newParty(t, ch, "bob", nil)
	ctx := context.Background()

	_, err := alice.phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	_, err = alice.phone.Initiate(ctx, models.User{ID: "carol"}, models.CallVoice)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = alice.phone.Accept(ctx)
	assert.ErrorIs(t, err, ErrNoIncomingCall)
	assert.Equal(t, "bob", alice.phone.Session().RemoteUserID)

	require.NoError(t, alice.phone.Hangup(ctx))
	require.NoError(t, alice.line.Acquire("room:standup"))
	_, err = alice.phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	assert.ErrorIs(t, err, ErrBusy, "a room call holds the line")
}

func TestInvalidInitiate(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	ctx := context.Background()

	for _, tt := range []struct {
		to   string
		kind models.CallKind
	}{
		{"", models.CallVoice},
		{"a/b", models.CallVoice},
		{"alice", models.CallVoice},
		{"bob", "hologram"},
	} {
		_, err := alice.phone.Initiate(ctx, models.User{ID: tt.to}, tt.kind)
		assert.ErrorIs(t, err, ErrInvalidCall, "to=%q kind=%q", tt.to, tt.kind)
	}
	assert.Equal(t, models.StateIdle, alice.phone.Session().State)
}

func TestBusyCalleeRejectsSecondCaller(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	carol := newParty(t, ch, "carol", nil)
	connect(t, alice, bob, models.CallVoice)

	_, err := carol.phone.Initiate(context.Background(), models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	carol.waitState(t, models.StateIdle)
	assert.Contains(t, carol.events.Toasts(), NoticeBusy)

	assert.Equal(t, models.StateConnected, bob.phone.Session().State)
	assert.Equal(t, "alice", bob.phone.Session().RemoteUserID)
}

func TestMediaFailureCancelsCall(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	bob.media.FailUser = 2

	_, err := alice.phone.Initiate(context.Background(), models.User{ID: "bob"}, models.CallVideo)
	require.NoError(t, err)
	bob.waitState(t, models.StateIncoming)
	_, err = bob.phone.Accept(context.Background())
	require.NoError(t, err)

	bob.waitState(t, models.StateIdle)
	alice.waitState(t, models.StateIdle)
	assert.Contains(t, bob.events.Toasts(), NoticeMedia)
	assert.Contains(t, alice.events.Toasts(), NoticeCanceled)
	assert.Len(t, bob.media.Requests(), 2, "one fallback attempt")
}

func TestMediaResolvedAfterHangupIsReleased(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	gate := make(chan struct{})
	bob.media.Gate = gate
	ctx := context.Background()

	_, err := alice.phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)
	bob.waitState(t, models.StateIncoming)
	_, err = bob.phone.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.phone.Hangup(ctx))
	alice.waitState(t, models.StateIdle)

	close(gate)
	require.Eventually(t, func() bool { return len(bob.media.Streams()) == 1 }, wait, tick)
	assert.Eventually(t, func() bool { return bob.media.Live() == 0 }, wait, tick)
	assert.Empty(t, bob.factory.Sessions(), "no transport for a call that already ended")
}

func TestTransportFailureEndsConnectedCall(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	bob := newParty(t, ch, "bob", nil)
	connect(t, alice, bob, models.CallVoice)

	require.Len(t, alice.factory.Sessions(), 1)
	alice.factory.Sessions()[0].Fail()

	alice.waitState(t, models.StateIdle)
	bob.waitState(t, models.StateIdle)
	assert.Contains(t, alice.events.Toasts(), NoticeUnexpected)
	assert.Contains(t, bob.events.Toasts(), NoticeEnded)
	assert.Len(t, alice.factory.Sessions(), 1, "1:1 calls do not reconnect")
}

func TestStaleMessagesAreIgnored(t *testing.T) {
	ch, _ := newChannel(t)
	alice := newParty(t, ch, "alice", nil)
	newParty(t, ch, "bob", nil)
	ctx := context.Background()

	_, err := alice.phone.Initiate(ctx, models.User{ID: "bob"}, models.CallVoice)
	require.NoError(t, err)

	stale, err := models.NewTerminal(models.KindCallEnded, "bob", "alice", "old-call", models.ReasonHangup)
	require.NoError(t, err)
	_, err = ch.Send(ctx, signaling.Mailbox(signaling.NamespaceVoice), stale)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		left, _ := ch.Store().List(ctx, "calls/alice/")
		return len(left) == 0
	}, wait, tick, "stale message is consumed")
	assert.Equal(t, models.StateCalling, alice.phone.Session().State)
}
