package conference

import "encoding/json"

// iceServerEntry mirrors the RTCIceServer dictionary.
type iceServerEntry struct {
	URLs []string `json:"urls"`
}

// clientEntry is one element of a client_list.
type clientEntry struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// candidateEntry mirrors RTCIceCandidateInit.
type candidateEntry struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// message is the JSON signaling envelope. A single flat struct covers
// every envelope type; unused fields are omitted on the wire.
type message struct {
	Type string `json:"type"`

	// config
	ClientID       string           `json:"clientId,omitempty"`
	ICEServers     []iceServerEntry `json:"iceServers,omitempty"`
	VAPIDPublicKey string           `json:"vapidPublicKey,omitempty"`

	// SDP exchange
	SDP       string          `json:"sdp,omitempty"`
	Candidate *candidateEntry `json:"candidate,omitempty"`

	// peer-to-peer routing
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// registry
	DisplayName string        `json:"displayName,omitempty"`
	Clients     []clientEntry `json:"clients,omitempty"`

	// floor
	State       string `json:"state,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	SpeakerName string `json:"speakerName,omitempty"`

	// push
	Subscription json.RawMessage `json:"subscription,omitempty"`
}

// statusMessage is the ptt_status envelope. Unlike message, its
// speaker fields are always present and serialize as null while the
// floor is idle.
type statusMessage struct {
	Type        string  `json:"type"`
	State       string  `json:"state"`
	Speaker     *string `json:"speaker"`
	SpeakerName *string `json:"speakerName"`
}
