package media

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/provider"
)

// ErrNoDevice is returned when no capture device satisfies the request
var ErrNoDevice = errors.New("media: no matching capture device")

// Track is a local capture track. The adapter that acquired it owns it and
// must Close it.
type Track interface {
	webrtc.TrackLocal
	OnEnded(func(error))
	Close() error
}

// VideoSettings describes the capture format of a video track
type VideoSettings struct {
	Width     int
	Height    int
	FrameRate float64
}

// Stream groups the tracks of one acquisition. Either track may be nil.
type Stream struct {
	Audio    Track
	Video    Track
	Settings VideoSettings
}

// Tracks returns the non-nil tracks
func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	var out []Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Close stops every track. Safe on a nil stream.
func (s *Stream) Close() {
	for _, t := range s.Tracks() {
		t.Close()
	}
}

// Source acquires local media
type Source interface {
	// ConfigureMediaEngine registers the codecs the source produces
	ConfigureMediaEngine(m *webrtc.MediaEngine) error
	// UserMedia opens the camera and microphone
	UserMedia(ctx context.Context) (*Stream, error)
	// DisplayMedia opens a screen capture; only Video is set
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// Classify maps a media acquisition failure to an error kind
func Classify(err error) provider.ErrorKind {
	if err == nil {
		return provider.UnknownFailure
	}

	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return provider.PermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return provider.DeviceBusy
	case errors.Is(err, ErrNoDevice), errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return provider.DeviceNotFound
	}

	// drivers often report failures as plain strings
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not allowed"):
		return provider.PermissionDenied
	case strings.Contains(msg, "busy"):
		return provider.DeviceBusy
	case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such device"):
		return provider.DeviceNotFound
	}
	return provider.UnknownFailure
}

// AcquireError wraps an acquisition failure as a classified provider error
func AcquireError(op string, err error) *provider.Error {
	return provider.NewError(Classify(err), op, err)
}
