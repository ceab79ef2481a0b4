package engine

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rtcmesh/signaling/backend/model"
)

// ConnectOptions carries the handshake parameters of a new connection.
type ConnectOptions struct {
	UserID       string
	MessageEvent string
	Extra        json.RawMessage

	// OnTeardown is invoked once as the final teardown step, letting the
	// transport layer release connection-specific resources.
	OnTeardown func()
}

// Connect registers a new connection, assigns (or validates) its participant
// id and starts liveness monitoring. When the requested id is already taken
// by a live connection, a fresh id is generated and the client is informed
// before anything else is sent.
func (e *Engine) Connect(conn model.Connection, opts ConnectOptions) *model.Participant {
	e.mu.Lock()
	requested := opts.UserID
	id := requested
	reassigned := false
	if id == "" {
		id = uuid.NewString()
	} else if e.reg.HasParticipant(id) {
		id = uuid.NewString()
		reassigned = true
	}

	p := model.NewParticipant(id, conn)
	if opts.MessageEvent != "" {
		p.MessageEvent = opts.MessageEvent
	}
	if len(opts.Extra) > 0 {
		p.Extra = opts.Extra
	}
	e.reg.SetParticipant(p)
	if opts.OnTeardown != nil {
		e.teardowns[id] = opts.OnTeardown
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	if reassigned {
		conn.Send(model.EventUserIDTaken, requested, id)
	}
	e.monitor.Register(id)

	e.logger.Debug().
		Str("userID", id).
		Bool("reassigned", reassigned).
		Msg("participant connected")
	return p
}

// Disconnect runs the teardown sequence for a participant: peer link removal
// with notifications, ownership transfer or room teardown, liveness record
// removal, registry cleanup and the transport teardown callback. Each step is
// independently guarded; calling Disconnect twice for the same id is a no-op
// on the second call.
func (e *Engine) Disconnect(id string) {
	e.mu.Lock()
	p, ok := e.reg.Participant(id)
	if !ok {
		e.mu.Unlock()
		return
	}

	// drop reciprocal link entries and tell the peers
	for peerID := range p.ConnectedWith {
		peer, ok := e.reg.Participant(peerID)
		if !ok {
			continue
		}
		delete(peer.ConnectedWith, id)
		if peer.Conn != nil {
			peer.Conn.Send(model.EventUserDisconnected, id)
		}
	}

	e.leaveRoomLocked(p)

	e.monitor.Deregister(id)
	e.reg.DeleteParticipant(id)
	cb := e.teardowns[id]
	delete(e.teardowns, id)
	e.updateGaugesLocked()
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
	e.logger.Debug().Str("userID", id).Msg("participant disconnected")
}

// leaveRoomLocked removes the participant from its current room, promoting a
// successor or deleting the room per the ownership-transfer rules.
// Must be called with e.mu held.
func (e *Engine) leaveRoomLocked(p *model.Participant) {
	roomID := p.RoomID
	p.RoomID = ""
	if roomID == "" {
		return
	}
	room, ok := e.reg.Room(roomID)
	if !ok {
		return
	}

	if room.Owner != p.ID {
		room.Remove(p.ID)
		if len(room.Participants) == 0 {
			e.reg.DeleteRoom(room.ID)
		}
		return
	}

	if !room.AutoClose && len(room.Participants) > 1 {
		// promote the first remaining participant that still exists
		for _, pid := range room.Participants {
			if pid == p.ID {
				continue
			}
			successor, ok := e.reg.Participant(pid)
			if !ok {
				continue
			}
			room.Owner = pid
			room.Remove(p.ID)
			if successor.Conn != nil {
				successor.Conn.Send(model.EventNowInitiator, room.ID)
			}
			return
		}
	}

	// no valid successor, or the owner decided to close the whole session
	for _, pid := range room.Participants {
		if pid == p.ID {
			continue
		}
		other, ok := e.reg.Participant(pid)
		if !ok {
			continue
		}
		other.RoomID = ""
		if other.Conn != nil {
			other.Conn.Send(model.EventClosedEntireSession, room.ID)
		}
	}
	e.reg.DeleteRoom(room.ID)
}

// ChangeUserID reassigns the registry key of a connected participant,
// updating room membership, ownership and reciprocal peer links.
func (e *Engine) ChangeUserID(oldID, newID string) error {
	if newID == "" {
		return ErrUserIDMissing
	}
	if oldID == newID {
		return nil
	}

	e.mu.Lock()
	p, ok := e.reg.Participant(oldID)
	if !ok {
		e.mu.Unlock()
		return ErrUserNotFound
	}
	if e.reg.HasParticipant(newID) {
		e.mu.Unlock()
		return ErrUserIDTaken
	}

	e.reg.DeleteParticipant(oldID)
	p.ID = newID
	e.reg.SetParticipant(p)

	if p.RoomID != "" {
		if room, ok := e.reg.Room(p.RoomID); ok {
			for i, pid := range room.Participants {
				if pid == oldID {
					room.Participants[i] = newID
				}
			}
			if room.Owner == oldID {
				room.Owner = newID
			}
		}
	}

	for peerID := range p.ConnectedWith {
		peer, ok := e.reg.Participant(peerID)
		if !ok {
			continue
		}
		if conn, had := peer.ConnectedWith[oldID]; had {
			delete(peer.ConnectedWith, oldID)
			peer.ConnectedWith[newID] = conn
		}
	}

	if cb, ok := e.teardowns[oldID]; ok {
		delete(e.teardowns, oldID)
		e.teardowns[newID] = cb
	}
	e.mu.Unlock()

	// liveness records are keyed by id; restart monitoring under the new key
	e.monitor.Deregister(oldID)
	e.monitor.Register(newID)

	e.logger.Debug().Str("from", oldID).Str("to", newID).Msg("userid changed")
	return nil
}
