package model

import "encoding/json"

// OpenRoomRequest carries the open-room payload.
type OpenRoomRequest struct {
	RoomID          string          `json:"sessionid"`
	Session         Session         `json:"session"`
	Extra           json.RawMessage `json:"extra,omitempty"`
	Identifier      string          `json:"identifier,omitempty"`
	Password        string          `json:"password,omitempty"`
	MaxParticipants int             `json:"maxParticipantsAllowed,omitempty"`
}

// JoinRoomRequest carries the join-room payload.
type JoinRoomRequest struct {
	RoomID   string          `json:"sessionid"`
	Session  Session         `json:"session"`
	Extra    json.RawMessage `json:"extra,omitempty"`
	Password string          `json:"password,omitempty"`
}

// RelayMessage is a signaling payload relayed between linked participants.
// Message is opaque to the server except for the probe fields below.
type RelayMessage struct {
	RemoteUserID string          `json:"remoteUserId"`
	Sender       string          `json:"sender,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
}

// RelayProbe is the subset of relay message bodies the server inspects to
// route join intents, presence probes and link teardown hints.
type RelayProbe struct {
	NewParticipationRequest bool   `json:"newParticipationRequest,omitempty"`
	DetectPresence          bool   `json:"detectPresence,omitempty"`
	UserLeft                bool   `json:"userLeft,omitempty"`
	Password                string `json:"password,omitempty"`
	UserID                  string `json:"userid,omitempty"`
}

// Probe decodes the routing hints out of the opaque message body.
// Malformed bodies yield the zero probe, i.e. a plain relay.
func (m RelayMessage) Probe() RelayProbe {
	var p RelayProbe
	if len(m.Message) > 0 {
		_ = json.Unmarshal(m.Message, &p)
	}
	return p
}
