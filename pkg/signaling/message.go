package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type is the signaling message type
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeBye       Type = "bye"
)

// Message is relayed verbatim between peers of one room. An empty
// RecipientID addresses every other peer in the room.
type Message struct {
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId,omitempty"`
	RoomID      string          `json:"roomId"`
}

// Conn is one peer's attachment to a room's signaling channel. Messages is
// closed when the connection ends.
type Conn interface {
	Send(msg Message) error
	Messages() <-chan Message
	Close() error
}

// Dialer attaches a peer to a room
type Dialer interface {
	Dial(ctx context.Context, roomID, peerID string) (Conn, error)
}

// ErrClosed is returned by Send on a closed connection
var ErrClosed = errors.New("signaling: connection closed")

// NewMessage builds a message with a JSON payload
func NewMessage(t Type, recipient string, payload any) (Message, error) {
	msg := Message{Type: t, RecipientID: recipient}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// Description decodes the session description of an offer or answer
func (m Message) Description() (webrtc.SessionDescription, error) {
	var want webrtc.SDPType
	switch m.Type {
	case TypeOffer:
		want = webrtc.SDPTypeOffer
	case TypeAnswer:
		want = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("message type %q carries no description", m.Type)
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(m.Payload, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid description: %w", err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("description type %s in %s message", desc.Type, m.Type)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return desc, nil
}

// Candidate decodes the payload of an ice-candidate message
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	if m.Type != TypeCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("message type %q carries no candidate", m.Type)
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("invalid candidate: %w", err)
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, errors.New("empty candidate")
	}
	return c, nil
}

// routes reports whether msg should be delivered to peer
func routes(msg Message, peer string) bool {
	if msg.SenderID == peer {
		return false
	}
	return msg.RecipientID == "" || msg.RecipientID == peer
}
