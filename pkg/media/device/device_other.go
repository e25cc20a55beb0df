//go:build !linux

package device

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

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

// Source reports that hardware capture is unavailable on this
// platform
type Source struct{}

// New returns a source whose acquisitions fail with media.ErrNoDevice
func New(cfg Config) (*Source, error) {
	return &Source{}, nil
}

// ConfigureMediaEngine registers the default pion codecs
func (s *Source) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// UserMedia always fails
func (s *Source) UserMedia(ctx context.Context) (*media.Stream, error) {
	return nil, fmt.Errorf("capture on %s: %w", runtime.GOOS, media.ErrNoDevice)
}

// DisplayMedia always fails
func (s *Source) DisplayMedia(ctx context.Context) (*media.Stream, error) {
	return nil, fmt.Errorf("screen capture on %s: %w", runtime.GOOS, media.ErrNoDevice)
}
