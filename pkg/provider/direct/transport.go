package direct

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/peer"
)

// Transport is the peer connection the adapter negotiates. *peer.Conn is
// the pion implementation.
type Transport interface {
	AddTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	Stats() metrics.RawStats
	Close() error
}

// TransportFactory creates a Transport reporting to h
type TransportFactory func(cfg peer.Config, h peer.Handlers) (Transport, error)

// PionTransport is the default TransportFactory
func PionTransport(cfg peer.Config, h peer.Handlers) (Transport, error) {
	return peer.New(cfg, h)
}

// ICESource fetches ICE servers at join time
type ICESource interface {
	Fetch(ctx context.Context) ([]webrtc.ICEServer, error)
}

// AudioTap consumes remote audio. Attach returns a func that detaches it.
type AudioTap interface {
	Attach(track peer.RTPReader, speakerID, speakerName string, onFinal func(text string), onSpeaking func(speaking bool)) func()
}
