package transport

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestCandidateQueueDrainsOnceInOrder(t *testing.T) {
	var q CandidateQueue
	assert.True(t, q.Push(webrtc.ICECandidateInit{Candidate: "c1"}))
	assert.True(t, q.Push(webrtc.ICECandidateInit{Candidate: "c2"}))
	assert.Equal(t, 2, q.Len())

	var applied []string
	apply := func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}
	assert.NoError(t, q.Drain(apply))
	assert.NoError(t, q.Drain(apply))
	assert.Equal(t, []string{"c1", "c2"}, applied)

	assert.False(t, q.Push(webrtc.ICECandidateInit{Candidate: "c3"}), "after draining candidates go straight through")
	assert.True(t, q.Drained())
	assert.Zero(t, q.Len())
}

func TestCandidateQueueKeepsDrainingPastErrors(t *testing.T) {
	var q CandidateQueue
	q.Push(webrtc.ICECandidateInit{Candidate: "bad"})
	q.Push(webrtc.ICECandidateInit{Candidate: "good"})

	bad := errors.New("bad candidate")
	var applied []string
	err := q.Drain(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		if c.Candidate == "bad" {
			return bad
		}
		return nil
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, []string{"bad", "good"}, applied)
}

func TestBroken(t *testing.T) {
	assert.True(t, Broken(webrtc.PeerConnectionStateFailed))
	assert.True(t, Broken(webrtc.PeerConnectionStateDisconnected))
	assert.False(t, Broken(webrtc.PeerConnectionStateClosed))
	assert.False(t, Broken(webrtc.PeerConnectionStateConnected))
}
