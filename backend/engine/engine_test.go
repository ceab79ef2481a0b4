package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/model"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	Event string
	Args  []any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
	closed bool
	closes int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, args ...any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, sentEvent{Event: event, Args: args})
	return true
}

func (c *fakeConn) Close(int, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

func (c *fakeConn) closeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) sent(event string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, ev := range c.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) all() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentEvent, len(c.events))
	copy(out, c.events)
	return out
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	return New(Config{
		Logger: &logger,
		Clock:  clock.NewMock(),
	})
}

// newHeartbeatEngine keeps a handle on the mock clock so tests can drive the
// liveness timers.
func newHeartbeatEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()
	logger := zerolog.Nop()
	mock := clock.NewMock()
	e := New(Config{
		Logger:         &logger,
		Clock:          mock,
		PingInterval:   10 * time.Second,
		PongTimeout:    4 * time.Second,
		MaxFailedPings: 3,
	})
	return e, mock
}

// advanceAnswering moves the mock clock in one-second steps while answering
// every ping sent to the given connections, so only unlisted participants
// accumulate misses. Stale tokens are replayed harmlessly.
func advanceAnswering(e *Engine, mock *clock.Mock, d time.Duration, alive map[string]*fakeConn) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += time.Second {
		mock.Add(time.Second)
		for id, conn := range alive {
			for _, ev := range conn.sent(model.EventPing) {
				e.Pong(id, ev.Args[0].(uint64))
			}
		}
	}
}

func connect(t *testing.T, e *Engine, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	p := e.Connect(conn, ConnectOptions{UserID: id})
	require.Equal(t, id, p.ID)
	return conn
}

func openRoom(t *testing.T, e *Engine, userID, roomID string, maxParticipants int) {
	t.Helper()
	require.NoError(t, e.OpenRoom(userID, model.OpenRoomRequest{
		RoomID:          roomID,
		MaxParticipants: maxParticipants,
	}))
}

func joinRoom(t *testing.T, e *Engine, userID, roomID string) {
	t.Helper()
	require.NoError(t, e.JoinRoom(userID, model.JoinRoomRequest{RoomID: roomID}))
}

func roomParticipants(e *Engine, roomID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.reg.Room(roomID)
	if !ok {
		return nil
	}
	out := make([]string, len(room.Participants))
	copy(out, room.Participants)
	return out
}

func roomOwner(e *Engine, roomID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.reg.Room(roomID)
	if !ok {
		return ""
	}
	return room.Owner
}

func roomExists(e *Engine, roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.reg.Room(roomID)
	return ok
}

func linked(e *Engine, a, b string) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pa, okA := e.reg.Participant(a)
	pb, okB := e.reg.Participant(b)
	aToB := okA && pa.Linked(b)
	bToA := okB && pb.Linked(a)
	return aToB, bToA
}

func rawExtra(s string) json.RawMessage {
	return json.RawMessage(s)
}
