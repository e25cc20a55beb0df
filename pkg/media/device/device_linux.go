//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/media"
)

// Config bounds the capture format
type Config struct {
	MaxWidth     int
	MaxHeight    int
	FrameRate    float64
	VideoBitRate int
	Logger       *slog.Logger
}

// Source captures from local hardware through pion/mediadevices
type Source struct {
	cfg      Config
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// New prepares the VP8 and Opus encoders
func New(cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 640
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = 480
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_500_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	return &Source{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: cfg.Logger,
	}, nil
}

// ConfigureMediaEngine registers the encoder codecs
func (s *Source) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

// UserMedia opens camera and microphone. When both cannot be opened
// together it falls back to video only, then audio only.
func (s *Source) UserMedia(ctx context.Context) (*media.Stream, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, media.ErrNoDevice
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	var errs []error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: s.cfg.MaxWidth}
				c.Height = prop.IntRanged{Max: s.cfg.MaxHeight}
				c.FrameRate = prop.Float(s.cfg.FrameRate)
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			s.logger.Warn("capture attempt failed", "attempt", a.label, "error", err)
			errs = append(errs, err)
			continue
		}

		stream := &media.Stream{Settings: media.VideoSettings{
			Width:     s.cfg.MaxWidth,
			Height:    s.cfg.MaxHeight,
			FrameRate: s.cfg.FrameRate,
		}}
		for _, t := range ms.GetAudioTracks() {
			stream.Audio = t
		}
		for _, t := range ms.GetVideoTracks() {
			stream.Video = t
		}
		s.logger.Info("local media captured", "attempt", a.label, "tracks", len(stream.Tracks()))
		return stream, nil
	}
	return nil, errors.Join(errs...)
}

// DisplayMedia opens a screen capture track
func (s *Source) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, media.ErrNoDevice
	}
	return &media.Stream{
		Video:    tracks[0],
		Settings: media.VideoSettings{FrameRate: 15},
	}, nil
}
