package provider

import (
	"context"
	"errors"

	"github.com/silviot/callbridge/pkg/metrics"
	"github.com/silviot/callbridge/pkg/participant"
)

// Kind identifies a backend adapter
type Kind string

const (
	KindDirect  Kind = "direct"
	KindLiveKit Kind = "livekit"
	KindAgora   Kind = "agora"
)

// Identity is the identity the backend assigned to the local user
type Identity string

var (
	// ErrNotJoined is returned by operations that need an active session
	ErrNotJoined = errors.New("provider: not joined")
	// ErrLeft is returned by a Join or screen share interrupted by Leave
	ErrLeft = errors.New("provider: session left")
)

// JoinConfig is the input to Join. Token is forwarded to the backend as is.
type JoinConfig struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Token    string `json:"token,omitempty"`
}

// Validate checks the required fields
func (c JoinConfig) Validate() error {
	if c.RoomID == "" {
		return errors.New("provider: room id is required")
	}
	if c.UserID == "" {
		return errors.New("provider: user id is required")
	}
	return nil
}

// Provider is the contract every backend adapter satisfies
type Provider interface {
	Kind() Kind

	// Join acquires local media and connects. While a session is connecting
	// or connected it returns the existing identity without side effects.
	Join(ctx context.Context, cfg JoinConfig) (Identity, error)
	// Leave tears the session down from any state. Idempotent.
	Leave(ctx context.Context) error

	ToggleAudio(enabled bool) (bool, error)
	ToggleVideo(enabled bool) (bool, error)
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error

	CallMetrics() metrics.CallMetrics
	Transcript() []TranscriptEntry
	State() State
	Participants() []participant.Participant

	On(kind EventKind, h Handler) ListenerID
	Off(kind EventKind, id ListenerID)
	Subscribe(buffer int) (<-chan Event, func())
}
