package media

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// SampleTrack is a pion sample track with capture-like lifecycle
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	onEnded func(error)
	ended   bool
}

// NewSampleTrack creates a sample track for codec
func NewSampleTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*SampleTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{TrackLocalStaticSample: t}, nil
}

// OnEnded registers the capture end handler
func (t *SampleTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End simulates the capture ending on its own, e.g. the user stopped a
// screen share from the system UI
func (t *SampleTrack) End(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Ended reports whether the track was closed or ended
func (t *SampleTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Close stops the track without calling the end handler
func (t *SampleTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = true
	return nil
}

// SyntheticSource produces silent sample tracks. It is used where no
// capture hardware exists and in tests.
type SyntheticSource struct {
	Settings VideoSettings
	// Err, when set, is returned by UserMedia
	Err error
	// DisplayErr, when set, is returned by DisplayMedia
	DisplayErr error

	seq atomic.Int64

	mu      sync.Mutex
	streams []*Stream
}

// NewSyntheticSource creates a source producing 640x480@30 video
func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{Settings: VideoSettings{Width: 640, Height: 480, FrameRate: 30}}
}

// ConfigureMediaEngine registers the default pion codecs
func (s *SyntheticSource) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

// UserMedia returns an opus audio and a VP8 video track
func (s *SyntheticSource) UserMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}

	n := s.seq.Add(1)
	streamID := streamName("user", n)
	audio, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, streamID+"-audio", streamID)
	if err != nil {
		return nil, err
	}
	video, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, streamID+"-video", streamID)
	if err != nil {
		return nil, err
	}
	return s.record(&Stream{Audio: audio, Video: video, Settings: s.Settings}), nil
}

// DisplayMedia returns a VP8 screen track
func (s *SyntheticSource) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.DisplayErr != nil {
		return nil, s.DisplayErr
	}

	n := s.seq.Add(1)
	streamID := streamName("screen", n)
	video, err := NewSampleTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, streamID+"-video", streamID)
	if err != nil {
		return nil, err
	}
	return s.record(&Stream{Video: video, Settings: VideoSettings{Width: 1920, Height: 1080, FrameRate: 15}}), nil
}

func (s *SyntheticSource) record(st *Stream) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, st)
	return st
}

// Streams returns every stream handed out so far
func (s *SyntheticSource) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

func streamName(kind string, n int64) string {
	return kind + "-" + strconv.FormatInt(n, 10)
}
