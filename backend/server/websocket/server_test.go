package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/engine"
	"github.com/rtcmesh/signaling/backend/model"
	"github.com/stretchr/testify/require"
)

type testFrame struct {
	Event string            `json:"event"`
	Ack   uint64            `json:"ack,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	eng := engine.New(engine.Config{Logger: &logger})
	srv := NewServer(Config{
		Logger:     &logger,
		Signaling:  eng,
		ListenAddr: ":0",
	})
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, ack uint64, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	frame := inboundFrame{Event: event, Ack: ack, Data: b}
	require.NoError(t, conn.WriteJSON(&frame))
}

// readUntil reads frames until one matches, failing the test on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, match func(testFrame) bool) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame testFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func readAck(t *testing.T, conn *websocket.Conn, ack uint64) testFrame {
	t.Helper()
	return readUntil(t, conn, func(f testFrame) bool { return f.Event == "ack" && f.Ack == ack })
}

func TestSignal_OpenAndJoinRoom(t *testing.T) {
	ts := startTestServer(t)

	alice := dial(t, ts, "userid=alice")
	sendFrame(t, alice, "open-room", 1, model.OpenRoomRequest{RoomID: "room1"})
	ack := readAck(t, alice, 1)
	require.JSONEq(t, "true", string(ack.Args[0]))

	bob := dial(t, ts, "userid=bob")
	sendFrame(t, bob, "join-room", 1, model.JoinRoomRequest{RoomID: "room1"})
	ack = readAck(t, bob, 1)
	require.JSONEq(t, "true", string(ack.Args[0]))

	// a second open of a live room is refused
	carol := dial(t, ts, "userid=carol")
	sendFrame(t, carol, "open-room", 1, model.OpenRoomRequest{RoomID: "room1"})
	ack = readAck(t, carol, 1)
	require.JSONEq(t, "false", string(ack.Args[0]))
	require.JSONEq(t, `"room not available"`, string(ack.Args[1]))
}

func TestSignal_CheckPresence(t *testing.T) {
	ts := startTestServer(t)

	alice := dial(t, ts, "userid=alice")
	sendFrame(t, alice, "check-presence", 1, "room1")
	ack := readAck(t, alice, 1)
	require.JSONEq(t, "false", string(ack.Args[0]))

	sendFrame(t, alice, "open-room", 2, model.OpenRoomRequest{RoomID: "room1"})
	readAck(t, alice, 2)

	sendFrame(t, alice, "check-presence", 3, "room1")
	ack = readAck(t, alice, 3)
	require.JSONEq(t, "true", string(ack.Args[0]))
	require.JSONEq(t, `"room1"`, string(ack.Args[1]))
}

func TestSignal_RelayBetweenClients(t *testing.T) {
	ts := startTestServer(t)

	alice := dial(t, ts, "userid=alice")
	bob := dial(t, ts, "userid=bob")

	// make sure bob is registered before relaying to him
	sendFrame(t, bob, "check-presence", 1, "warmup")
	readAck(t, bob, 1)

	sendFrame(t, alice, model.DefaultMessageEvent, 2, model.RelayMessage{
		RemoteUserID: "bob",
		Message:      json.RawMessage(`{"sdp":"offer"}`),
	})
	ack := readAck(t, alice, 2)
	require.JSONEq(t, "true", string(ack.Args[0]))

	connected := readUntil(t, bob, func(f testFrame) bool { return f.Event == model.EventUserConnected })
	require.JSONEq(t, `"alice"`, string(connected.Args[0]))

	payload := readUntil(t, bob, func(f testFrame) bool { return f.Event == model.DefaultMessageEvent })
	var msg model.RelayMessage
	require.NoError(t, json.Unmarshal(payload.Args[0], &msg))
	require.Equal(t, "bob", msg.RemoteUserID)
	require.Equal(t, "alice", msg.Sender)
	require.JSONEq(t, `{"sdp":"offer"}`, string(msg.Message))
}

func TestSignal_UserIDCollision(t *testing.T) {
	ts := startTestServer(t)

	first := dial(t, ts, "userid=alice")
	sendFrame(t, first, "check-presence", 1, "warmup")
	readAck(t, first, 1)

	second := dial(t, ts, "userid=alice")
	taken := readUntil(t, second, func(f testFrame) bool { return f.Event == model.EventUserIDTaken })
	require.JSONEq(t, `"alice"`, string(taken.Args[0]))

	var assigned string
	require.NoError(t, json.Unmarshal(taken.Args[1], &assigned))
	require.NotEqual(t, "alice", assigned)
	require.NotEmpty(t, assigned)
}

func TestWSConn_IDTracksReassignment(t *testing.T) {
	logger := zerolog.Nop()
	conn := newWSConn("requested", nil, logger)
	require.Equal(t, "requested", conn.ID())

	conn.setID("assigned")
	require.Equal(t, "assigned", conn.ID())
}

func TestSignal_ChangedUUIDKeepsSessionReachable(t *testing.T) {
	ts := startTestServer(t)

	alice := dial(t, ts, "userid=alice")
	sendFrame(t, alice, "changed-uuid", 1, "alicia")
	ack := readAck(t, alice, 1)
	require.JSONEq(t, "true", string(ack.Args[0]))
	require.JSONEq(t, `"alicia"`, string(ack.Args[1]))

	// relays addressed to the new id reach the same socket
	bob := dial(t, ts, "userid=bob")
	sendFrame(t, bob, model.DefaultMessageEvent, 1, model.RelayMessage{
		RemoteUserID: "alicia",
		Message:      json.RawMessage(`{"sdp":"offer"}`),
	})
	ack = readAck(t, bob, 1)
	require.JSONEq(t, "true", string(ack.Args[0]))

	connected := readUntil(t, alice, func(f testFrame) bool { return f.Event == model.EventUserConnected })
	require.JSONEq(t, `"bob"`, string(connected.Args[0]))

	payload := readUntil(t, alice, func(f testFrame) bool { return f.Event == model.DefaultMessageEvent })
	var msg model.RelayMessage
	require.NoError(t, json.Unmarshal(payload.Args[0], &msg))
	require.Equal(t, "alicia", msg.RemoteUserID)
	require.Equal(t, "bob", msg.Sender)
}

func TestSignal_UnknownRelayTarget(t *testing.T) {
	ts := startTestServer(t)

	alice := dial(t, ts, "userid=alice")
	sendFrame(t, alice, model.DefaultMessageEvent, 1, model.RelayMessage{
		RemoteUserID: "ghost",
		Message:      json.RawMessage(`{}`),
	})

	notFound := readUntil(t, alice, func(f testFrame) bool { return f.Event == model.EventUserNotFound })
	require.JSONEq(t, `"ghost"`, string(notFound.Args[0]))
}
