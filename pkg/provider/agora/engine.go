package agora

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/callbridge/pkg/participant"
)

// ConnectionState is the engine's view of the link to the network
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Stats is what the engine reports for the local session
type Stats struct {
	RTT time.Duration
	// LossPct is nil when the engine cannot measure loss
	LossPct  *float64
	TxBytes  uint64
	RxBytes  uint64
	Duration time.Duration
}

// Handler receives engine notifications on engine goroutines
type Handler struct {
	OnJoined          func(uid uint32)
	OnUserJoined      func(uid uint32)
	OnUserOffline     func(uid uint32, reason string)
	OnRemoteTrack     func(uid uint32, kind participant.Kind, published bool)
	OnRemoteMuted     func(uid uint32, kind participant.Kind, muted bool)
	OnConnectionState func(state ConnectionState, reason string)
	// OnVolume reports levels in [0, 255] for the users heard in the last
	// interval
	OnVolume func(levels map[uint32]int)
}

// Engine is the vendor SDK seam. Implementations wrap the vendor client;
// the adapter never touches vendor objects directly.
type Engine interface {
	Join(ctx context.Context, token, channel string, uid uint32, h Handler) error
	Leave() error
	// Publish puts a local track on the kind's slot; a nil track clears it
	Publish(kind participant.Kind, track webrtc.TrackLocal) error
	// Replace swaps the track on an existing slot without republishing
	Replace(kind participant.Kind, track webrtc.TrackLocal) error
	MuteLocal(kind participant.Kind, muted bool) error
	Stats() (Stats, error)
}

// UID derives the numeric identity the network requires from an opaque
// user id. 0 is reserved for server assignment, so the hash is folded into
// [1, 2^31-1].
func UID(userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return h.Sum32()%(1<<31-1) + 1
}
