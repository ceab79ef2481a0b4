package engine

import (
	"github.com/rtcmesh/signaling/backend/model"
)

// OpenRoom creates a room with the requester as owner. It fails when a room
// with the same id already has participants. A participant holding membership
// in another room implicitly leaves it first.
func (e *Engine) OpenRoom(userID string, req model.OpenRoomRequest) error {
	if req.RoomID == "" {
		return ErrRoomIDMissing
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}
	if room, ok := e.reg.Room(req.RoomID); ok && len(room.Participants) > 0 {
		return ErrRoomNotAvailable
	}
	if p.RoomID != "" && p.RoomID != req.RoomID {
		e.leaveRoomLocked(p)
	}

	maxParticipants := req.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = e.maxPerRoom
	}
	room := &model.Room{
		ID:              req.RoomID,
		Owner:           userID,
		Participants:    []string{userID},
		MaxParticipants: maxParticipants,
		Session:         req.Session,
		Extra:           req.Extra,
		Password:        req.Password,
		Identifier:      req.Identifier,
	}
	e.reg.SetRoom(room)
	p.RoomID = room.ID
	if len(req.Extra) > 0 {
		p.Extra = req.Extra
	}
	e.updateGaugesLocked()

	e.logger.Debug().
		Str("userID", userID).
		Str("roomID", room.ID).
		Bool("fanInOnly", room.Session.FanInOnly()).
		Msg("room opened")
	return nil
}

// JoinRoom adds the requester to an existing room. Joining the room the
// participant is already in is idempotent; joining a different one implicitly
// leaves the current room first.
func (e *Engine) JoinRoom(userID string, req model.JoinRoomRequest) error {
	if req.RoomID == "" {
		return ErrRoomIDMissing
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return ErrUserNotFound
	}
	if len(req.Extra) > 0 {
		p.Extra = req.Extra
	}
	if err := e.joinRoomLocked(p, req.RoomID, req.Password); err != nil {
		return err
	}
	e.updateGaugesLocked()
	return nil
}

// joinRoomLocked is the join path shared by the join-room operation and the
// relay handler's join-intent dispatch. Must be called with e.mu held.
func (e *Engine) joinRoomLocked(p *model.Participant, roomID, password string) error {
	room, ok := e.reg.Room(roomID)
	if !ok || len(room.Participants) == 0 {
		return ErrRoomNotAvailable
	}
	if p.RoomID == roomID && room.Has(p.ID) {
		return nil
	}
	if room.IsProtected() && room.Password != password {
		return ErrInvalidPassword
	}
	if !room.Has(p.ID) && room.IsFull() {
		return ErrRoomFull
	}
	if p.RoomID != "" && p.RoomID != roomID {
		e.leaveRoomLocked(p)
	}

	room.Add(p.ID)
	p.RoomID = roomID

	e.logger.Debug().
		Str("userID", p.ID).
		Str("roomID", roomID).
		Msg("participant joined room")
	return nil
}

// CheckPresence reports whether a room currently has participants.
// Absent or empty rooms yield false with zeroed flags, never an error.
func (e *Engine) CheckPresence(roomID string) (bool, model.PresenceInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()

	room, ok := e.reg.Room(roomID)
	if !ok || len(room.Participants) == 0 {
		return false, model.PresenceInfo{}
	}
	return true, model.PresenceInfo{
		Extra:               room.Extra,
		IsFull:              room.IsFull(),
		IsPasswordProtected: room.IsProtected(),
	}
}

// PublicRooms lists all rooms sharing a public identifier.
func (e *Engine) PublicRooms(identifier string) ([]model.RoomSummary, error) {
	if identifier == "" {
		return nil, ErrIdentifierMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.RoomsByIdentifier(identifier), nil
}

// SetPassword sets the room password. Only the owner may do so.
func (e *Engine) SetPassword(userID, password string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.reg.Participant(userID)
	if !ok {
		return "", ErrUserNotFound
	}
	if p.RoomID == "" {
		return "", ErrNoRoomJoined
	}
	room, ok := e.reg.Room(p.RoomID)
	if !ok {
		return "", ErrRoomNotAvailable
	}
	if room.Owner != userID {
		return room.ID, ErrPermissionDenied
	}
	room.Password = password
	return room.ID, nil
}

// IsValidPassword compares a candidate password against the room's.
func (e *Engine) IsValidPassword(roomID, password string) (bool, error) {
	if password == "" {
		return false, ErrPasswordMissing
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	room, ok := e.reg.Room(roomID)
	if !ok {
		return false, ErrRoomNotAvailable
	}
	if !room.IsProtected() {
		return false, ErrRoomHasNoPassword
	}
	return room.Password == password, nil
}

// CloseEntireSession marks the requester's room for full teardown and runs
// the owner's disconnect path immediately instead of waiting for the
// transport to drop.
func (e *Engine) CloseEntireSession(userID string) error {
	e.mu.Lock()
	p, ok := e.reg.Participant(userID)
	if !ok {
		e.mu.Unlock()
		return ErrUserNotFound
	}
	if p.RoomID == "" {
		e.mu.Unlock()
		return ErrNoRoomJoined
	}
	room, ok := e.reg.Room(p.RoomID)
	if !ok {
		e.mu.Unlock()
		return ErrRoomNotAvailable
	}
	if room.Owner != userID {
		e.mu.Unlock()
		return ErrPermissionDenied
	}
	room.AutoClose = true
	e.mu.Unlock()

	e.Disconnect(userID)
	return nil
}
