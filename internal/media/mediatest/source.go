// Package mediatest provides a scripted media.Source backed by real Pion
// static sample tracks.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/pion/webrtc/v4"
)

var ErrDenied = errors.New("mediatest: permission denied")

// Source hands out fake streams. Failures are consumed one per call, so
// FailUser: 1 makes the first attempt fail and the fallback succeed.
type Source struct {
	mu          sync.Mutex
	FailUser    int
	FailDisplay int
	// Gate, when set, blocks every acquisition until it is closed.
	Gate chan struct{}

	seq      int
	requests []media.Constraints
	streams  []*media.Stream
	tracks   []*Track
}

func (s *Source) UserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return s.acquire(ctx, c, false)
}

func (s *Source) DisplayMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	return s.acquire(ctx, c, true)
}

func (s *Source) acquire(ctx context.Context, c media.Constraints, display bool) (*media.Stream, error) {
	s.mu.Lock()
	gate := s.Gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	fail := &s.FailUser
	if display {
		fail = &s.FailDisplay
	}
	if *fail > 0 {
		*fail--
		return nil, ErrDenied
	}

	var tracks []media.Track
	if c.Audio && !display {
		tracks = append(tracks, s.newTrack(webrtc.MimeTypeOpus))
	}
	if c.Video || display {
		tracks = append(tracks, s.newTrack(webrtc.MimeTypeVP8))
	}
	stream := media.NewStream(tracks...)
	s.streams = append(s.streams, stream)
	return stream, nil
}

func (s *Source) newTrack(mime string) *Track {
	s.seq++
	id := fmt.Sprintf("track-%d", s.seq)
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "mediatest")
	if err != nil {
		panic(err)
	}
	t := &Track{local: local}
	s.tracks = append(s.tracks, t)
	return t
}

// Requests returns the constraints of every acquisition attempt.
func (s *Source) Requests() []media.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Constraints(nil), s.requests...)
}

// Streams returns every stream handed out.
func (s *Source) Streams() []*media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*media.Stream(nil), s.streams...)
}

// Live counts the tracks not yet stopped.
func (s *Source) Live() int {
	s.mu.Lock()
	tracks := append([]*Track(nil), s.tracks...)
	s.mu.Unlock()
	n := 0
	for _, t := range tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// EndAll simulates the operating system ending every live capture, as when
// the user clicks "stop sharing" outside the application.
func (s *Source) EndAll() {
	s.mu.Lock()
	tracks := append([]*Track(nil), s.tracks...)
	s.mu.Unlock()
	for _, t := range tracks {
		if !t.Stopped() {
			t.End()
		}
	}
}

// Track is a fake capture track.
type Track struct {
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.local.Kind() }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// End stops the track and fires its ended handlers.
func (t *Track) End() {
	t.mu.Lock()
	t.stopped = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
