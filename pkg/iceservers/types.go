package iceservers

import (
	"encoding/json"
	"fmt"
)

// ocsResponse is the envelope every OCS endpoint wraps its data in
type ocsResponse struct {
	OCS struct {
		Meta ocsMeta         `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

type ocsMeta struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statuscode"`
	Message    string `json:"message"`
}

// Settings is the part of the signaling settings carrying ICE servers
type Settings struct {
	STUNServers []Server `json:"stunservers"`
	TURNServers []Server `json:"turnservers"`
}

// Server is one STUN or TURN entry. STUN entries carry no credentials.
type Server struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList accepts both a single URL string and an array of URLs
type URLList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = URLList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*l = many
	return nil
}
