package registry

import (
	"testing"

	"github.com/rtcmesh/signaling/backend/model"
	"github.com/stretchr/testify/require"
)

func TestParticipantCRUD(t *testing.T) {
	reg := New()

	_, ok := reg.Participant("alice")
	require.False(t, ok)
	require.False(t, reg.HasParticipant("alice"))

	p := model.NewParticipant("alice", nil)
	reg.SetParticipant(p)
	require.True(t, reg.HasParticipant("alice"))
	require.Equal(t, 1, reg.NumParticipants())

	got, ok := reg.Participant("alice")
	require.True(t, ok)
	require.Same(t, p, got)

	reg.DeleteParticipant("alice")
	require.False(t, reg.HasParticipant("alice"))
	require.Zero(t, reg.NumParticipants())
}

func TestRoomCRUD(t *testing.T) {
	reg := New()

	room := &model.Room{ID: "room1", Owner: "alice", Participants: []string{"alice"}}
	reg.SetRoom(room)
	require.Equal(t, 1, reg.NumRooms())

	got, ok := reg.Room("room1")
	require.True(t, ok)
	require.Same(t, room, got)

	reg.DeleteRoom("room1")
	_, ok = reg.Room("room1")
	require.False(t, ok)
}

func TestRoomsByIdentifier(t *testing.T) {
	reg := New()
	reg.SetRoom(&model.Room{ID: "a", Identifier: "lobby", MaxParticipants: 2, Participants: []string{"x", "y"}})
	reg.SetRoom(&model.Room{ID: "b", Identifier: "lobby", Password: "pw", MaxParticipants: 4})
	reg.SetRoom(&model.Room{ID: "c", Identifier: "other"})

	rooms := reg.RoomsByIdentifier("lobby")
	require.Len(t, rooms, 2)

	byID := map[string]model.RoomSummary{}
	for _, r := range rooms {
		byID[r.ID] = r
	}
	require.True(t, byID["a"].IsFull)
	require.False(t, byID["a"].IsPasswordProtected)
	require.False(t, byID["b"].IsFull)
	require.True(t, byID["b"].IsPasswordProtected)

	require.Empty(t, reg.RoomsByIdentifier("nowhere"))
}
