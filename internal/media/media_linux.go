//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Devices captures from local hardware through pion/mediadevices.
type Devices struct {
	codecs *mediadevices.CodecSelector
}

func NewDevices() (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose MJPEG nodes with broken frames.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia: %w", err)
	}
	return wrap(ms), nil
}

func (d *Devices) DisplayMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.codecs,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Width > 0 {
				mc.Width = prop.IntRanged{Max: c.Width}
			}
			if c.Height > 0 {
				mc.Height = prop.IntRanged{Max: c.Height}
			}
		},
	}
	ms, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetDisplayMedia: %w", err)
	}
	return wrap(ms), nil
}

func wrap(ms mediadevices.MediaStream) *Stream {
	var tracks []Track
	for _, t := range ms.GetTracks() {
		tracks = append(tracks, &deviceTrack{t: t})
	}
	log.Debug().Int("tracks", len(tracks)).Msg("media: captured local stream")
	return NewStream(tracks...)
}

type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) ID() string                { return d.t.ID() }
func (d *deviceTrack) Kind() webrtc.RTPCodecType { return d.t.Kind() }
func (d *deviceTrack) Local() webrtc.TrackLocal  { return d.t }

func (d *deviceTrack) OnEnded(fn func()) {
	d.t.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("track", d.t.ID()).Msg("media: local track ended")
		}
		fn()
	})
}

func (d *deviceTrack) Stop() {
	if err := d.t.Close(); err != nil {
		log.Debug().Err(err).Str("track", d.t.ID()).Msg("media: close track")
	}
}
