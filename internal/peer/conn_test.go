package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/mossy-p/webrtc-calls/internal/transport/transporttest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outbox records what a Conn sends.
type outbox struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (o *outbox) send(_ context.Context, m models.Message) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
	return nil
}

// take removes and returns everything sent so far.
func (o *outbox) take() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.msgs
	o.msgs = nil
	return m
}

func (o *outbox) kinds() []models.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var k []models.Kind
	for _, m := range o.msgs {
		k = append(k, m.Kind)
	}
	return k
}

func newPair(t *testing.T) (f *transporttest.Factory, a, b *Conn, outA, outB *outbox) {
	t.Helper()
	f = transporttest.NewFactory()
	outA, outB = &outbox{}, &outbox{}
	var err error
	a, err = New(f, Config{Self: "alice", Remote: "bob", CallID: "c1", Role: RoleOfferer, Send: outA.send})
	require.NoError(t, err)
	b, err = New(f, Config{Self: "bob", Remote: "alice", CallID: "c1", Role: RoleAnswerer, Send: outB.send})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return f, a, b, outA, outB
}

func deliver(t *testing.T, to *Conn, msgs []models.Message) {
	t.Helper()
	for _, m := range msgs {
		switch m.Kind {
		case models.KindOffer:
			d, err := m.Description()
			require.NoError(t, err)
			require.NoError(t, to.HandleOffer(d))
		case models.KindAnswer:
			d, err := m.Description()
			require.NoError(t, err)
			require.NoError(t, to.HandleAnswer(d))
		case models.KindICECandidate:
			c, err := m.Candidate()
			require.NoError(t, err)
			require.NoError(t, to.HandleCandidate(c))
		}
	}
}

func TestCandidatesBeforeOfferAreQueuedThenAppliedInOrder(t *testing.T) {
	f, _, b, _, _ := newPair(t)
	sessionB := f.Sessions()[1]

	require.NoError(t, b.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	require.NoError(t, b.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"}))
	assert.Empty(t, sessionB.Applied(), "nothing applied before the remote description")

	require.NoError(t, b.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}))
	assert.Equal(t, []string{"candidate:1", "candidate:2"}, sessionB.Applied())

	require.NoError(t, b.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:3"}))
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, sessionB.Applied(),
		"after the drain candidates apply directly")
}

func TestFullExchangeConnects(t *testing.T) {
	_, a, b, outA, outB := newPair(t)

	require.NoError(t, a.Offer())
	require.Eventually(t, func() bool { return len(outA.kinds()) == 3 }, time.Second, 5*time.Millisecond,
		"offer plus two gathered candidates")
	deliver(t, b, outA.take())

	require.Eventually(t, func() bool { return len(outB.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, outB.kinds(), models.KindAnswer)
	deliver(t, a, outB.take())

	assert.Eventually(t, func() bool { return a.Connected() && b.Connected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", a.Remote())
	assert.Equal(t, RoleAnswerer, b.Role())
}

func TestUnexpectedDescriptions(t *testing.T) {
	_, a, b, _, _ := newPair(t)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}

	assert.ErrorIs(t, b.HandleAnswer(answer), ErrUnexpectedAnswer, "no offer was sent")

	require.NoError(t, a.Offer())
	assert.ErrorIs(t, a.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}), ErrUnexpectedOffer)
	require.NoError(t, a.HandleAnswer(answer))
	assert.ErrorIs(t, a.HandleAnswer(answer), ErrUnexpectedAnswer, "second answer is rejected")
}

func TestStateAndTrackCallbacks(t *testing.T) {
	f := transporttest.NewFactory()
	f.RemoteAudio = true
	f.Candidates = 0

	states := make(chan webrtc.PeerConnectionState, 8)
	tracks := make(chan string, 1)
	out := &outbox{}
	c, err := New(f, Config{
		Self: "alice", Remote: "bob", Role: RoleOfferer, Send: out.send,
		OnState: func(s webrtc.PeerConnectionState) { states <- s },
		OnTrack: func(tr transport.RemoteTrack) { tracks <- tr.ID() },
	})
	require.NoError(t, err)

	require.NoError(t, c.Offer())
	require.NoError(t, c.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))
	assert.Equal(t, webrtc.PeerConnectionStateConnected, <-states)

	select {
	case <-tracks:
	case <-time.After(time.Second):
		t.Fatal("no remote track reported")
	}

	require.NoError(t, c.Close())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, <-states)
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Offer(), ErrClosed)
	assert.ErrorIs(t, c.HandleCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}), ErrClosed)
}

func TestNewRequiresSender(t *testing.T) {
	_, err := New(transporttest.NewFactory(), Config{Self: "a", Remote: "b"})
	assert.Error(t, err)

	f := transporttest.NewFactory()
	f.FailNew = true
	_, err = New(f, Config{Self: "a", Remote: "b", Send: (&outbox{}).send})
	assert.Error(t, err)
}
