package call

import (
	"testing"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	const (
		idle      = models.StateIdle
		calling   = models.StateCalling
		incoming  = models.StateIncoming
		connected = models.StateConnected
	)
	tests := []struct {
		from    models.CallState
		ev      Event
		to      models.CallState
		effects []Effect
		notice  string
	}{
		{idle, EventInitiate, calling, []Effect{EffectSendRequest, EffectStartTimer}, ""},
		{idle, EventRequestReceived, incoming, []Effect{EffectRing, EffectStartTimer}, ""},
		{calling, EventRemoteAccepted, calling, []Effect{EffectAcquireMedia}, ""},
		{incoming, EventAccept, incoming, []Effect{EffectSilence, EffectAcquireMedia}, ""},
		{calling, EventTransportConnected, connected, []Effect{EffectStopTimer, EffectStartTicker}, ""},
		{incoming, EventTransportConnected, connected, []Effect{EffectStopTimer, EffectStartTicker}, ""},
		{incoming, EventReject, idle, []Effect{EffectSilence, EffectTeardown, EffectSendRejected}, ""},
		{calling, EventRemoteRejected, idle, []Effect{EffectTeardown}, NoticeRejected},
		{calling, EventHangup, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, ""},
		{incoming, EventHangup, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, ""},
		{connected, EventHangup, idle, []Effect{EffectTeardown, EffectSendEnded}, ""},
		{incoming, EventRemoteCanceled, idle, []Effect{EffectSilence, EffectTeardown}, NoticeMissed},
		{calling, EventRemoteCanceled, idle, []Effect{EffectTeardown}, NoticeCanceled},
		{connected, EventRemoteEnded, idle, []Effect{EffectTeardown}, NoticeEnded},
		{calling, EventTimeout, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, NoticeNoAnswer},
		{incoming, EventTimeout, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, NoticeNoAnswer},
		{calling, EventTransportFailed, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, NoticeNoConnect},
		{connected, EventTransportFailed, idle, []Effect{EffectTeardown, EffectSendEnded}, NoticeUnexpected},
		{incoming, EventMediaFailed, idle, []Effect{EffectSilence, EffectTeardown, EffectSendCanceled}, NoticeMedia},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			out, err := Transition(tt.from, tt.ev)
			assert.NoError(t, err)
			assert.Equal(t, tt.to, out.Next)
			assert.Equal(t, tt.effects, out.Effects)
			assert.Equal(t, tt.notice, out.Notice)
		})
	}
}

func TestTransitionRejectsMisuse(t *testing.T) {
	tests := []struct {
		from models.CallState
		ev   Event
		err  error
	}{
		{models.StateCalling, EventInitiate, ErrBusy},
		{models.StateConnected, EventInitiate, ErrBusy},
		{models.StateIncoming, EventRequestReceived, ErrBusy},
		{models.StateIdle, EventAccept, ErrNoIncomingCall},
		{models.StateCalling, EventAccept, ErrNoIncomingCall},
		{models.StateConnected, EventReject, ErrNoIncomingCall},
		{models.StateIdle, EventHangup, ErrIllegalTransition},
		{models.StateConnected, EventTransportConnected, ErrIllegalTransition},
		{models.StateIncoming, EventRemoteAccepted, ErrIllegalTransition},
		{models.StateConnected, EventTimeout, ErrIllegalTransition},
		{models.StateIdle, EventRemoteEnded, ErrIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			_, err := Transition(tt.from, tt.ev)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

// Every event either moves a non-idle state somewhere or is refused; no
// input leaves two calls active.
func TestTransitionNeverLeavesIdleExceptByStartingACall(t *testing.T) {
	all := []Event{
		EventInitiate, EventRequestReceived, EventRemoteAccepted, EventAccept,
		EventTransportConnected, EventReject, EventRemoteRejected, EventHangup,
		EventRemoteCanceled, EventRemoteEnded, EventTimeout, EventTransportFailed, EventMediaFailed,
	}
	for _, ev := range all {
		out, err := Transition(models.StateIdle, ev)
		if err != nil {
			continue
		}
		assert.Contains(t, []Event{EventInitiate, EventRequestReceived}, ev)
		assert.NotEqual(t, models.StateIdle, out.Next)
	}
}

func TestLine(t *testing.T) {
	l := NewLine()
	assert.NoError(t, l.Acquire(LineOwner))
	assert.NoError(t, l.Acquire(LineOwner), "same owner may re-acquire")
	assert.ErrorIs(t, l.Acquire("room:standup"), ErrBusy)

	l.Release("room:standup")
	assert.Equal(t, LineOwner, l.Owner(), "only the owner releases")
	l.Release(LineOwner)
	assert.False(t, l.Busy())
	assert.NoError(t, l.Acquire("room:standup"))
}
