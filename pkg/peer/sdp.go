package peer

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// MediaSection summarizes one m= section of a session description
type MediaSection struct {
	Kind      string // audio, video or application
	Direction string // sendrecv, sendonly, recvonly or inactive
}

// ParseMedia validates a session description and lists its media sections
func ParseMedia(raw string) ([]MediaSection, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}

	sections := make([]MediaSection, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		sec := MediaSection{Kind: md.MediaName.Media, Direction: "sendrecv"}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				sec.Direction = attr.Key
			}
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// Sends reports whether the described peer sends media of kind
func Sends(sections []MediaSection, kind string) bool {
	for _, s := range sections {
		if s.Kind == kind && (s.Direction == "sendrecv" || s.Direction == "sendonly") {
			return true
		}
	}
	return false
}
