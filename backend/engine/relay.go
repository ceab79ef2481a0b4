package engine

import (
	"encoding/json"

	"github.com/rtcmesh/signaling/backend/model"
)

// RelayOutcome reports how a relay payload was handled. Presence is non-nil
// only for system presence probes, which are answered synchronously instead
// of being forwarded.
type RelayOutcome struct {
	Presence *PresenceProbe
}

type PresenceProbe struct {
	UserID    string
	IsPresent bool
}

// Relay handles a signaling payload from senderID per the peer-link protocol:
// self-signaling is dropped, join intents are dispatched to the room handler
// and fanned out by topology, system presence probes are answered in place,
// and everything else is a direct relay with lazy bidirectional link
// establishment. The payload's extra field is always overwritten with the
// sender's current metadata before delivery.
func (e *Engine) Relay(senderID string, msg model.RelayMessage) (RelayOutcome, error) {
	if msg.RemoteUserID == senderID {
		return RelayOutcome{}, nil // no self-signaling
	}
	probe := msg.Probe()

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.RemoteUserID == model.SystemUserID && probe.DetectPresence {
		present := probe.UserID != senderID && e.reg.HasParticipant(probe.UserID)
		return RelayOutcome{Presence: &PresenceProbe{
			UserID:    probe.UserID,
			IsPresent: present,
		}}, nil
	}

	sender, ok := e.reg.Participant(senderID)
	if !ok {
		// first protocol contact through the relay path. The record has no
		// connection, so it cannot answer pings; heartbeat escalation expires
		// it unless a transport claims the id first.
		sender = model.NewParticipant(senderID, nil)
		e.reg.SetParticipant(sender)
		e.updateGaugesLocked()
		e.monitor.Register(senderID)
	}

	if room, ok := e.reg.Room(msg.RemoteUserID); ok && probe.NewParticipationRequest {
		if err := e.joinRoomLocked(sender, room.ID, probe.Password); err != nil {
			return RelayOutcome{}, err
		}
		e.fanOutJoinLocked(sender, room, msg)
		return RelayOutcome{}, nil
	}

	target, ok := e.reg.Participant(msg.RemoteUserID)
	if !ok || target.Conn == nil {
		if sender.Conn != nil {
			sender.Conn.Send(model.EventUserNotFound, msg.RemoteUserID)
		}
		return RelayOutcome{}, nil
	}

	if probe.UserLeft {
		delete(sender.ConnectedWith, target.ID)
		delete(target.ConnectedWith, sender.ID)
	} else if !sender.Linked(target.ID) {
		sender.ConnectedWith[target.ID] = target.Conn
		target.ConnectedWith[sender.ID] = sender.Conn
		if sender.Conn != nil {
			sender.Conn.Send(model.EventUserConnected, target.ID)
		}
		target.Conn.Send(model.EventUserConnected, sender.ID)
	}

	e.deliverLocked(sender, target, msg)
	return RelayOutcome{}, nil
}

// fanOutJoinLocked forwards a join payload to the other room participants
// (mesh) or solely to the owner (oneway/broadcast). Must hold e.mu.
func (e *Engine) fanOutJoinLocked(sender *model.Participant, room *model.Room, msg model.RelayMessage) {
	var recipients []string
	if room.Session.FanInOnly() {
		recipients = []string{room.Owner}
	} else {
		recipients = room.Participants
	}
	for _, pid := range recipients {
		if pid == sender.ID {
			continue
		}
		target, ok := e.reg.Participant(pid)
		if !ok || target.Conn == nil {
			continue
		}
		e.deliverLocked(sender, target, msg)
	}
}

// deliverLocked rewrites the payload for one recipient and hands it to the
// recipient's registered message channel. Must hold e.mu.
func (e *Engine) deliverLocked(sender, target *model.Participant, msg model.RelayMessage) {
	out := msg
	out.RemoteUserID = target.ID
	out.Sender = sender.ID
	out.Extra = sender.Extra // never trusted from the client
	target.Conn.Send(target.MessageEvent, out)
	e.metrics.Relays.Inc()
}

// DisconnectWith removes the signaling link between two participants on both
// sides. Every side that actually held the link is notified once.
func (e *Engine) DisconnectWith(userID, remoteID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}

	had := false
	if p.Linked(remoteID) {
		had = true
		delete(p.ConnectedWith, remoteID)
		if p.Conn != nil {
			p.Conn.Send(model.EventUserDisconnected, remoteID)
		}
	}
	if remote, ok := e.reg.Participant(remoteID); ok && remote.Linked(userID) {
		had = true
		delete(remote.ConnectedWith, userID)
		if remote.Conn != nil {
			remote.Conn.Send(model.EventUserDisconnected, userID)
		}
	}
	if !had {
		return ErrNotConnected
	}
	return nil
}

// UpdateExtra overwrites the participant's metadata and broadcasts the change
// to linked peers and fellow room participants.
func (e *Engine) UpdateExtra(userID string, extra json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}
	p.Extra = extra

	notified := map[string]struct{}{userID: {}}
	notify := func(pid string) {
		if _, done := notified[pid]; done {
			return
		}
		notified[pid] = struct{}{}
		if other, ok := e.reg.Participant(pid); ok && other.Conn != nil {
			other.Conn.Send(model.EventExtraDataUpdated, userID, extra)
		}
	}
	for peerID := range p.ConnectedWith {
		notify(peerID)
	}
	if p.RoomID != "" {
		if room, ok := e.reg.Room(p.RoomID); ok {
			for _, pid := range room.Participants {
				notify(pid)
			}
		}
	}
	return nil
}

// RemoteExtra returns another participant's current metadata.
func (e *Engine) RemoteExtra(remoteID string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(remoteID)
	if !ok {
		return nil, ErrUserNotFound
	}
	return p.Extra, nil
}

// RegisterCustomEvent records the application-defined event name a
// participant relays through. Re-registering the same name is a no-op.
func (e *Engine) RegisterCustomEvent(userID, event string) error {
	if event == "" {
		return ErrEventNameMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}
	p.CustomEvent = event
	return nil
}

// EmitCustomEvent fans a payload on the participant's registered custom event
// out to every other participant of the sender's room.
func (e *Engine) EmitCustomEvent(userID, event string, payload json.RawMessage) error {
	if event == "" {
		return ErrEventNameMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}
	if p.RoomID == "" {
		return nil // nobody to fan out to
	}
	room, ok := e.reg.Room(p.RoomID)
	if !ok {
		return nil
	}
	for _, pid := range room.Participants {
		if pid == userID {
			continue
		}
		if other, ok := e.reg.Participant(pid); ok && other.Conn != nil {
			other.Conn.Send(event, payload)
		}
	}
	return nil
}
