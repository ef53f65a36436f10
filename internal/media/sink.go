package media

import (
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-calls/internal/transport"
	"github.com/rs/zerolog/log"
)

// Sink renders one remote participant's audio.
type Sink interface {
	Close() error
}

// SinkFactory creates the sink for participant's first remote track.
type SinkFactory func(participant string, track transport.RemoteTrack) Sink

// DrainSink reads RTP from the track until it ends or the sink is closed.
// Reading keeps the receive pipeline and its interceptors moving even when
// nothing plays the audio locally.
type DrainSink struct {
	participant string
	packets     atomic.Int64
	closed      atomic.Bool
	done        chan struct{}
	once        sync.Once
}

func NewDrainSink(participant string, track transport.RemoteTrack) Sink {
	s := &DrainSink{participant: participant, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				if !s.closed.Load() {
					log.Debug().Err(err).Str("participant", participant).Msg("media: remote track ended")
				}
				return
			}
			s.packets.Add(1)
		}
	}()
	return s
}

// Packets is the number of RTP packets read so far.
func (s *DrainSink) Packets() int64 { return s.packets.Load() }

// Close marks the sink closed. The reader goroutine exits when the track's
// transport session is closed.
func (s *DrainSink) Close() error {
	s.once.Do(func() { s.closed.Store(true) })
	return nil
}

// Done is closed when the reader goroutine exits.
func (s *DrainSink) Done() <-chan struct{} { return s.done }
