package model

import "encoding/json"

// DefaultMessageEvent is the channel relay payloads are delivered on unless
// the client picks its own name during the handshake.
const DefaultMessageEvent = "signaling-message"

// SystemUserID is the reserved relay target used for presence probes.
const SystemUserID = "system"

// Server-emitted event names.
const (
	EventUserConnected       = "user-connected"
	EventUserDisconnected    = "user-disconnected"
	EventUserNotFound        = "user-not-found"
	EventNowInitiator        = "now-initiator"
	EventExtraDataUpdated    = "extra-data-updated"
	EventClosedEntireSession = "closed-entire-session"
	EventUserIDTaken         = "userid-already-taken"
	EventPing                = "ping"
	EventPong                = "pong"
)

// Connection is the transport handle owned by exactly one participant while
// connected. Send is fire-and-forget: it must never block and reports whether
// the payload was accepted for delivery.
type Connection interface {
	ID() string
	Send(event string, args ...any) bool
	Close(code int, reason string) error
}

// Session describes the media topology a room was opened with.
type Session struct {
	Audio     bool `json:"audio"`
	Video     bool `json:"video"`
	OneWay    bool `json:"oneway,omitempty"`
	Broadcast bool `json:"broadcast,omitempty"`
	Scalable  bool `json:"scalable,omitempty"`
}

// FanInOnly reports whether join payloads reach only the room owner
// instead of every participant.
func (s Session) FanInOnly() bool {
	return s.OneWay || s.Broadcast
}

// Participant is one connected, identified client.
type Participant struct {
	ID            string
	Conn          Connection
	ConnectedWith map[string]Connection // peer id -> peer's connection, weak references
	Extra         json.RawMessage
	MessageEvent  string
	CustomEvent   string
	RoomID        string
}

func NewParticipant(id string, conn Connection) *Participant {
	return &Participant{
		ID:            id,
		Conn:          conn,
		ConnectedWith: make(map[string]Connection),
		Extra:         json.RawMessage(`{}`),
		MessageEvent:  DefaultMessageEvent,
	}
}

// Linked reports whether this side holds a signaling link to peerID.
// Links are supposed to be symmetric; absence on one side means "not linked".
func (p *Participant) Linked(peerID string) bool {
	_, ok := p.ConnectedWith[peerID]
	return ok
}

// Room groups participants under one owner and one topology.
// Participants keeps join order and holds no duplicates.
type Room struct {
	ID              string
	Owner           string
	Participants    []string
	MaxParticipants int
	Session         Session
	Extra           json.RawMessage
	Password        string
	Identifier      string
	AutoClose       bool
}

func (r *Room) Has(id string) bool {
	for _, pid := range r.Participants {
		if pid == id {
			return true
		}
	}
	return false
}

// Add appends id preserving join order. Already-present ids are not duplicated.
func (r *Room) Add(id string) {
	if r.Has(id) {
		return
	}
	r.Participants = append(r.Participants, id)
}

func (r *Room) Remove(id string) {
	for i, pid := range r.Participants {
		if pid == id {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return
		}
	}
}

func (r *Room) IsFull() bool {
	return len(r.Participants) >= r.MaxParticipants
}

func (r *Room) IsProtected() bool {
	return r.Password != ""
}

// Summary is the serializable discovery view of a room.
func (r *Room) Summary() RoomSummary {
	participants := make([]string, len(r.Participants))
	copy(participants, r.Participants)
	return RoomSummary{
		ID:                  r.ID,
		Owner:               r.Owner,
		Participants:        participants,
		Extra:               r.Extra,
		Session:             r.Session,
		IsFull:              r.IsFull(),
		IsPasswordProtected: r.IsProtected(),
	}
}

type RoomSummary struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	Participants        []string        `json:"participants"`
	Extra               json.RawMessage `json:"extra,omitempty"`
	Session             Session         `json:"session"`
	IsFull              bool            `json:"isFull"`
	IsPasswordProtected bool            `json:"isPasswordProtected"`
}

// PresenceInfo is the room metadata returned by presence checks.
// For absent rooms both flags are false and Extra is empty.
type PresenceInfo struct {
	Extra               json.RawMessage `json:"extra,omitempty"`
	IsFull              bool            `json:"isFull"`
	IsPasswordProtected bool            `json:"isPasswordProtected"`
}
