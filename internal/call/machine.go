// Package call runs 1:1 voice and video calls.
package call

import (
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

var (
	ErrBusy              = errors.New("already in a call")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrIllegalTransition = errors.New("illegal call transition")
)

// Event drives the call state machine.
type Event string

const (
	EventInitiate           Event = "initiate"
	EventRequestReceived    Event = "request-received"
	EventRemoteAccepted     Event = "remote-accepted"
	EventAccept             Event = "accept"
	EventTransportConnected Event = "transport-connected"
	EventReject             Event = "reject"
	EventRemoteRejected     Event = "remote-rejected"
	EventHangup             Event = "hangup"
	EventRemoteCanceled     Event = "remote-canceled"
	EventRemoteEnded        Event = "remote-ended"
	EventTimeout            Event = "timeout"
	EventTransportFailed    Event = "transport-failed"
	EventMediaFailed        Event = "media-failed"
)

// Effect is a side effect the phone performs after a transition, in the
// order listed.
type Effect string

const (
	EffectSendRequest  Effect = "send-request"
	EffectStartTimer   Effect = "start-timer"
	EffectRing         Effect = "ring"
	EffectSilence      Effect = "silence"
	EffectAcquireMedia Effect = "acquire-media"
	EffectStopTimer    Effect = "stop-timer"
	EffectStartTicker  Effect = "start-ticker"
	EffectTeardown     Effect = "teardown"
	EffectSendRejected Effect = "send-rejected"
	EffectSendCanceled Effect = "send-canceled"
	EffectSendEnded    Effect = "send-ended"
)

// User-visible notices.
const (
	NoticeRejected   = "call rejected"
	NoticeBusy       = "user is busy"
	NoticeMissed     = "missed call"
	NoticeCanceled   = "call canceled"
	NoticeEnded      = "call ended"
	NoticeNoAnswer   = "no answer"
	NoticeUnexpected = "call ended unexpectedly"
	NoticeNoConnect  = "call failed to connect"
	NoticeMedia      = "camera/microphone unavailable"
)

// Outcome is the result of a transition.
type Outcome struct {
	Next    models.CallState
	Effects []Effect
	Notice  string
}

func (o Outcome) Has(e Effect) bool {
	for _, x := range o.Effects {
		if x == e {
			return true
		}
	}
	return false
}

func outcome(next models.CallState, notice string, effects ...Effect) (Outcome, error) {
	return Outcome{Next: next, Effects: effects, Notice: notice}, nil
}

// Transition is the complete 1:1 call state machine. It has no side
// effects; the returned effects are carried out by the caller.
func Transition(from models.CallState, ev Event) (Outcome, error) {
	const (
		idle      = models.StateIdle
		calling   = models.StateCalling
		incoming  = models.StateIncoming
		connected = models.StateConnected
	)

	switch ev {
	case EventInitiate:
		if from != idle {
			return Outcome{}, ErrBusy
		}
		return outcome(calling, "", EffectSendRequest, EffectStartTimer)

	case EventRequestReceived:
		if from != idle {
			return Outcome{}, ErrBusy
		}
		return outcome(incoming, "", EffectRing, EffectStartTimer)

	case EventAccept, EventReject:
		if from != incoming {
			return Outcome{}, ErrNoIncomingCall
		}
		if ev == EventAccept {
			return outcome(incoming, "", EffectSilence, EffectAcquireMedia)
		}
		return outcome(idle, "", EffectSilence, EffectTeardown, EffectSendRejected)
	}

	switch {
	case from == calling && ev == EventRemoteAccepted:
		return outcome(calling, "", EffectAcquireMedia)

	case (from == calling || from == incoming) && ev == EventTransportConnected:
		return outcome(connected, "", EffectStopTimer, EffectStartTicker)

	case from == calling && ev == EventRemoteRejected:
		return outcome(idle, NoticeRejected, EffectTeardown)

	case (from == calling || from == incoming) && ev == EventHangup:
		return outcome(idle, "", EffectSilence, EffectTeardown, EffectSendCanceled)

	case from == connected && ev == EventHangup:
		return outcome(idle, "", EffectTeardown, EffectSendEnded)

	case from == incoming && ev == EventRemoteCanceled:
		return outcome(idle, NoticeMissed, EffectSilence, EffectTeardown)

	case from == calling && ev == EventRemoteCanceled:
		return outcome(idle, NoticeCanceled, EffectTeardown)

	case from == connected && ev == EventRemoteEnded:
		return outcome(idle, NoticeEnded, EffectTeardown)

	case (from == calling || from == incoming) && ev == EventTimeout:
		return outcome(idle, NoticeNoAnswer, EffectSilence, EffectTeardown, EffectSendCanceled)

	case (from == calling || from == incoming) && ev == EventTransportFailed:
		return outcome(idle, NoticeNoConnect, EffectSilence, EffectTeardown, EffectSendCanceled)

	case from == connected && ev == EventTransportFailed:
		return outcome(idle, NoticeUnexpected, EffectTeardown, EffectSendEnded)

	case (from == calling || from == incoming) && ev == EventMediaFailed:
		return outcome(idle, NoticeMedia, EffectSilence, EffectTeardown, EffectSendCanceled)
	}

	return Outcome{}, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}
