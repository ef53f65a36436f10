package media_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/mossy-p/webrtc-calls/internal/transport/transporttest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintsFallback(t *testing.T) {
	tests := []struct {
		name string
		in   media.Constraints
		want media.Constraints
	}{
		{"audio only retries unchanged", media.Constraints{Audio: true}, media.Constraints{Audio: true}},
		{"video drops to 320x240", media.Constraints{Audio: true, Video: true, Width: 1280, Height: 720}, media.Constraints{Audio: true, Video: true, Width: 320, Height: 240}},
		{"already small halves", media.Constraints{Video: true, Width: 320, Height: 240}, media.Constraints{Video: true, Width: 160, Height: 120}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Fallback())
		})
	}
}

func TestAcquireUserFallsBackOnce(t *testing.T) {
	ctx := context.Background()
	c := media.Constraints{Audio: true, Video: true, Width: 640, Height: 480}

	src := &mediatest.Source{FailUser: 1}
	stream, err := media.AcquireUser(ctx, src, c)
	require.NoError(t, err)
	assert.Len(t, stream.Tracks(), 2)
	reqs := src.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 320, reqs[1].Width)

	src = &mediatest.Source{FailUser: 2}
	_, err = media.AcquireUser(ctx, src, c)
	assert.ErrorIs(t, err, media.ErrUnavailable)
	assert.Len(t, src.Requests(), 2, "exactly one fallback")
}

func TestAcquireDisplayForcesVideo(t *testing.T) {
	src := &mediatest.Source{}
	stream, err := media.AcquireDisplay(context.Background(), src, media.Constraints{})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, "video", stream.Tracks()[0].Kind().String())

	src = &mediatest.Source{FailDisplay: 2}
	_, err = media.AcquireDisplay(context.Background(), src, media.Constraints{})
	assert.ErrorIs(t, err, media.ErrDisplayUnavailable)
}

func TestStreamStopAndEnded(t *testing.T) {
	src := &mediatest.Source{}
	stream, err := src.UserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	var ended atomic.Int32
	stream.OnEnded(func() { ended.Add(1) })
	src.EndAll()
	assert.Equal(t, int32(1), ended.Load(), "ended fires once per stream")

	stream.Stop()
	stream.Stop()
	assert.True(t, stream.Stopped())
	assert.Zero(t, src.Live())

	var nilStream *media.Stream
	assert.NotPanics(t, nilStream.Stop)
}

func TestDrainSinkExitsWhenSessionCloses(t *testing.T) {
	f := transporttest.NewFactory()
	f.RemoteAudio = true
	f.Candidates = 0
	s, err := f.NewSession()
	require.NoError(t, err)

	tracks := make(chan media.Sink, 1)
	s.OnTrack(func(track transport.RemoteTrack) {
		tracks <- media.NewDrainSink("bob", track)
	})
	_, err = s.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}))

	var sink media.Sink
	select {
	case sink = <-tracks:
	case <-time.After(time.Second):
		t.Fatal("no remote track")
	}
	require.NoError(t, sink.Close())
	require.NoError(t, s.Close())

	select {
	case <-sink.(*media.DrainSink).Done():
	case <-time.After(time.Second):
		t.Fatal("sink reader did not exit")
	}
}
