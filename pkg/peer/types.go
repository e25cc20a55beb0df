package peer

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds STUN and TURN servers
type ICEConfig struct {
	STUN []string     // STUN server URLs
	TURN []TURNServer // TURN servers with credentials
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Servers converts the configuration to pion ICE servers
func (c ICEConfig) Servers() []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, stunURL := range c.STUN {
		out = append(out, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	for _, turn := range c.TURN {
		out = append(out, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}
	return out
}

// RemoteTrack is the part of an incoming track the adapters look at
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RTPReader is a remote track whose RTP packets can be read
type RTPReader interface {
	RemoteTrack
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
}

// Handlers receive peer connection callbacks. They run on pion goroutines.
type Handlers struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(RemoteTrack)
}

// Timeouts tunes ICE liveness detection
type Timeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

// DefaultTimeouts tolerate short relay outages
var DefaultTimeouts = Timeouts{
	Disconnected: 30 * time.Second,
	Failed:       120 * time.Second,
	KeepAlive:    2 * time.Second,
}
