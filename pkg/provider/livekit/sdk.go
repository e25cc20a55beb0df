package livekit

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/participant"
)

// MintToken creates a join token for identity in room
func MintToken(apiKey, apiSecret, room, identity, name string, ttl time.Duration) (string, error) {
	at := auth.NewAccessToken(apiKey, apiSecret)
	at.SetVideoGrant(&auth.VideoGrant{RoomJoin: true, Room: room}).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl)
	return at.ToJWT()
}

// Connect joins a room through the LiveKit server SDK
func Connect(ctx context.Context, url, token string, cb Callbacks) (Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rcb := lksdk.NewRoomCallback()
	rcb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		if cb.OnParticipantConnected != nil {
			cb.OnParticipantConnected(remoteOf(rp))
		}
	}
	rcb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		if cb.OnParticipantDisconnected != nil {
			cb.OnParticipantDisconnected(remoteOf(rp))
		}
	}
	rcb.OnActiveSpeakersChanged = func(ps []lksdk.Participant) {
		if cb.OnActiveSpeakers == nil {
			return
		}
		ids := make([]string, 0, len(ps))
		for _, p := range ps {
			ids = append(ids, p.Identity())
		}
		cb.OnActiveSpeakers(ids)
	}
	rcb.OnReconnecting = func() {
		if cb.OnReconnecting != nil {
			cb.OnReconnecting()
		}
	}
	rcb.OnReconnected = func() {
		if cb.OnReconnected != nil {
			cb.OnReconnected()
		}
	}
	rcb.OnDisconnectedWithReason = func(reason lksdk.DisconnectionReason) {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(fmt.Sprint(reason))
		}
	}
	rcb.ParticipantCallback.OnTrackSubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if cb.OnTrackSubscribed != nil {
			cb.OnTrackSubscribed(remoteOf(rp), track)
		}
	}
	rcb.ParticipantCallback.OnTrackUnsubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if cb.OnTrackUnsubscribed != nil {
			cb.OnTrackUnsubscribed(remoteOf(rp), track)
		}
	}
	rcb.ParticipantCallback.OnTrackMuted = func(pub lksdk.TrackPublication, p lksdk.Participant) {
		if cb.OnTrackMuted != nil {
			cb.OnTrackMuted(Remote{Identity: p.Identity(), Name: p.Name()}, kindOf(pub.Kind()), true)
		}
	}
	rcb.ParticipantCallback.OnTrackUnmuted = func(pub lksdk.TrackPublication, p lksdk.Participant) {
		if cb.OnTrackMuted != nil {
			cb.OnTrackMuted(Remote{Identity: p.Identity(), Name: p.Name()}, kindOf(pub.Kind()), false)
		}
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, rcb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, err
	}
	return &sdkRoom{room: room}, nil
}

func remoteOf(rp *lksdk.RemoteParticipant) Remote {
	return Remote{Identity: rp.Identity(), Name: rp.Name()}
}

func kindOf(k lksdk.TrackKind) participant.Kind {
	if k == lksdk.TrackKindVideo {
		return participant.KindVideo
	}
	return participant.KindAudio
}

// sdkRoom adapts *lksdk.Room to Room
type sdkRoom struct {
	room *lksdk.Room
}

func (r *sdkRoom) LocalIdentity() string {
	return r.room.LocalParticipant.Identity()
}

func (r *sdkRoom) Publish(track webrtc.TrackLocal, name string, source Source) (Publication, error) {
	pub, err := r.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: protoSource(source),
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func (r *sdkRoom) Unpublish(sid string) error {
	return r.room.LocalParticipant.UnpublishTrack(sid)
}

func (r *sdkRoom) Disconnect() {
	r.room.Disconnect()
}

func protoSource(s Source) lkproto.TrackSource {
	switch s {
	case SourceMicrophone:
		return lkproto.TrackSource_MICROPHONE
	case SourceCamera:
		return lkproto.TrackSource_CAMERA
	case SourceScreenShare:
		return lkproto.TrackSource_SCREEN_SHARE
	}
	return lkproto.TrackSource_UNKNOWN
}
