// Package media acquires local capture streams and renders remote audio.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnavailable        = errors.New("camera/microphone unavailable")
	ErrDisplayUnavailable = errors.New("screen capture unavailable")
)

// Constraints select what to capture.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// Fallback returns the lower-resolution constraint set tried once after the
// first attempt fails. Audio-only constraints are retried unchanged.
func (c Constraints) Fallback() Constraints {
	if !c.Video {
		return c
	}
	f := c
	f.Width, f.Height = 320, 240
	if c.Width > 0 && c.Width <= f.Width {
		f.Width, f.Height = c.Width/2, c.Height/2
	}
	return f
}

// Track is one local capture track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Local is the track handed to the transport.
	Local() webrtc.TrackLocal
	// OnEnded registers fn to run when capture stops on its own, for example
	// when the user ends a screen share from the operating system.
	OnEnded(fn func())
	Stop()
}

// Stream is a set of local tracks released together.
type Stream struct {
	tracks []Track

	mu      sync.Mutex
	stopped bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// Stop releases every track. It is safe to call more than once.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// OnEnded runs fn once when any track of the stream ends on its own.
func (s *Stream) OnEnded(fn func()) {
	var once sync.Once
	for _, t := range s.tracks {
		t.OnEnded(func() { once.Do(fn) })
	}
}

// Source captures local media.
type Source interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// AcquireUser captures camera/microphone, falling back once to a
// lower-resolution set. The returned error wraps ErrUnavailable.
func AcquireUser(ctx context.Context, src Source, c Constraints) (*Stream, error) {
	stream, err := src.UserMedia(ctx, c)
	if err == nil {
		return stream, nil
	}
	log.Warn().Err(err).Bool("video", c.Video).Msg("media: capture failed, retrying with fallback constraints")

	stream, err2 := src.UserMedia(ctx, c.Fallback())
	if err2 != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err2)
	}
	return stream, nil
}

// AcquireDisplay captures the screen with the same single fallback.
func AcquireDisplay(ctx context.Context, src Source, c Constraints) (*Stream, error) {
	c.Video = true
	stream, err := src.DisplayMedia(ctx, c)
	if err == nil {
		return stream, nil
	}
	log.Warn().Err(err).Msg("media: display capture failed, retrying with fallback constraints")

	stream, err2 := src.DisplayMedia(ctx, c.Fallback())
	if err2 != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err2)
	}
	return stream, nil
}
