package provider

import (
	"time"

	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
)

// EventKind is the canonical event vocabulary shared by every adapter
type EventKind string

const (
	EventConnected          EventKind = "CONNECTED"
	EventDisconnected       EventKind = "DISCONNECTED"
	EventConnectionError    EventKind = "CONNECTION_ERROR"
	EventReconnecting       EventKind = "RECONNECTING"
	EventParticipantJoined  EventKind = "PARTICIPANT_JOINED"
	EventParticipantLeft    EventKind = "PARTICIPANT_LEFT"
	EventParticipantUpdated EventKind = "PARTICIPANT_UPDATED"
	EventTrackPublished     EventKind = "TRACK_PUBLISHED"
	EventTrackUnpublished   EventKind = "TRACK_UNPUBLISHED"
	EventMetricsUpdated     EventKind = "METRICS_UPDATED"
	EventTranscriptReceived EventKind = "TRANSCRIPT_RECEIVED"
	EventSpeakingChanged    EventKind = "SPEAKING_CHANGED"
)

// EventKinds lists the whole vocabulary
var EventKinds = []EventKind{
	EventConnected,
	EventDisconnected,
	EventConnectionError,
	EventReconnecting,
	EventParticipantJoined,
	EventParticipantLeft,
	EventParticipantUpdated,
	EventTrackPublished,
	EventTrackUnpublished,
	EventMetricsUpdated,
	EventTranscriptReceived,
	EventSpeakingChanged,
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind        EventKind                `json:"kind"`
	Participant *participant.Participant `json:"participant,omitempty"`
	Track       *participant.TrackInfo   `json:"track,omitempty"`
	Metrics     *metrics.CallMetrics     `json:"metrics,omitempty"`
	Transcript  *TranscriptEntry         `json:"transcript,omitempty"`
	Speaking    bool                     `json:"speaking,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
	Err         *Error                   `json:"-"`
	At          time.Time                `json:"at"`
}

// ParticipantEvent builds an event carrying a participant snapshot
func ParticipantEvent(kind EventKind, p participant.Participant) Event {
	return Event{Kind: kind, Participant: &p}
}

// TrackEvent builds a track event for participant p
func TrackEvent(kind EventKind, p participant.Participant, t participant.TrackInfo) Event {
	return Event{Kind: kind, Participant: &p, Track: &t}
}

// ErrorEvent builds a CONNECTION_ERROR event
func ErrorEvent(err *Error) Event {
	return Event{Kind: EventConnectionError, Err: err, Reason: err.Error()}
}
