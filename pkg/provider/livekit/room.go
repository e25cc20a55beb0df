package livekit

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/participant"
	"github.com/silviot/callbridge/pkg/peer"
)

// Source is the publish slot of a local track
type Source int

const (
	SourceMicrophone Source = iota
	SourceCamera
	SourceScreenShare
)

func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceCamera:
		return "camera"
	case SourceScreenShare:
		return "screen_share"
	}
	return "unknown"
}

// Publication is a published local track
type Publication interface {
	SID() string
	SetMuted(muted bool)
}

// Room is a connected LiveKit room. The SDK room behind it stays opaque.
type Room interface {
	LocalIdentity() string
	Publish(track webrtc.TrackLocal, name string, source Source) (Publication, error)
	Unpublish(sid string) error
	Disconnect()
}

// Remote identifies a remote participant
type Remote struct {
	Identity string
	Name     string
}

// Callbacks receive room notifications on SDK goroutines
type Callbacks struct {
	OnParticipantConnected    func(Remote)
	OnParticipantDisconnected func(Remote)
	OnTrackSubscribed         func(Remote, peer.RemoteTrack)
	OnTrackUnsubscribed       func(Remote, peer.RemoteTrack)
	OnTrackMuted              func(r Remote, kind participant.Kind, muted bool)
	OnActiveSpeakers          func(identities []string)
	OnReconnecting            func()
	OnReconnected             func()
	OnDisconnected            func(reason string)
}

// Connector connects to a room with a token
type Connector func(ctx context.Context, url, token string, cb Callbacks) (Room, error)
