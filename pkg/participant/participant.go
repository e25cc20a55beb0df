package participant

import "time"

// Kind is the media type of a track
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// TrackRef is an opaque handle to a backend track. Remote refs are never
// closed by the registry; their lifecycle belongs to the backend.
type TrackRef interface {
	ID() string
}

// TrackInfo describes one published track
type TrackInfo struct {
	Ref     TrackRef `json:"-"`
	TrackID string   `json:"trackId,omitempty"`
	Enabled bool     `json:"enabled"`
	Kind    Kind     `json:"kind"`
}

// Participant is a remote party in the session
type Participant struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Audio        *TrackInfo    `json:"audioTrack,omitempty"`
	Video        *TrackInfo    `json:"videoTrack,omitempty"`
	IsSpeaking   bool          `json:"isSpeaking"`
	SpeakingTime time.Duration `json:"speakingTimeAccumulated"`
}

// Track returns the participant's track of the given kind, or nil
func (p Participant) Track(kind Kind) *TrackInfo {
	if kind == KindVideo {
		return p.Video
	}
	return p.Audio
}

// clone returns a copy that shares no pointers with p
func (p Participant) clone() Participant {
	out := p
	if p.Audio != nil {
		a := *p.Audio
		out.Audio = &a
	}
	if p.Video != nil {
		v := *p.Video
		out.Video = &v
	}
	return out
}
