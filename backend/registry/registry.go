// Package registry is the single source of truth for connected participants
// and live rooms. It is a plain key-value store: invariants (membership,
// link symmetry, ownership) are enforced by its callers, and all access is
// serialized behind the engine mutex.
package registry

import (
	"github.com/rtcmesh/signaling/backend/model"
)

type Registry struct {
	participants map[string]*model.Participant
	rooms        map[string]*model.Room
}

func New() *Registry {
	return &Registry{
		participants: make(map[string]*model.Participant),
		rooms:        make(map[string]*model.Room),
	}
}

func (r *Registry) Participant(id string) (*model.Participant, bool) {
	p, ok := r.participants[id]
	return p, ok
}

func (r *Registry) HasParticipant(id string) bool {
	_, ok := r.participants[id]
	return ok
}

func (r *Registry) SetParticipant(p *model.Participant) {
	r.participants[p.ID] = p
}

func (r *Registry) DeleteParticipant(id string) {
	delete(r.participants, id)
}

func (r *Registry) Room(id string) (*model.Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) SetRoom(room *model.Room) {
	r.rooms[room.ID] = room
}

func (r *Registry) DeleteRoom(id string) {
	delete(r.rooms, id)
}

// RoomsByIdentifier lists discovery summaries of all rooms sharing the
// given public identifier.
func (r *Registry) RoomsByIdentifier(identifier string) []model.RoomSummary {
	var rooms []model.RoomSummary
	for _, room := range r.rooms {
		if room.Identifier == identifier {
			rooms = append(rooms, room.Summary())
		}
	}
	return rooms
}

func (r *Registry) NumParticipants() int {
	return len(r.participants)
}

func (r *Registry) NumRooms() int {
	return len(r.rooms)
}
