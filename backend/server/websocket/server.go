package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/engine"
	"github.com/rtcmesh/signaling/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketMaxMessageSize   = 9000
	defaultWebSocketHandshakeTimeout = 3 * time.Second

	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// Signaling is the engine surface the adapter translates frames into.
	Signaling interface {
		Connect(conn model.Connection, opts engine.ConnectOptions) *model.Participant
		Disconnect(id string)
		Pong(id string, token uint64)

		OpenRoom(userID string, req model.OpenRoomRequest) error
		JoinRoom(userID string, req model.JoinRoomRequest) error
		CheckPresence(roomID string) (bool, model.PresenceInfo)
		PublicRooms(identifier string) ([]model.RoomSummary, error)
		SetPassword(userID, password string) (string, error)
		IsValidPassword(roomID, password string) (bool, error)
		CloseEntireSession(userID string) error

		Relay(senderID string, msg model.RelayMessage) (engine.RelayOutcome, error)
		DisconnectWith(userID, remoteID string) error
		UpdateExtra(userID string, extra json.RawMessage) error
		RemoteExtra(remoteID string) (json.RawMessage, error)
		ChangeUserID(oldID, newID string) error
		RegisterCustomEvent(userID, event string) error
		EmitCustomEvent(userID, event string, payload json.RawMessage) error
	}

	Config struct {
		Logger     *zerolog.Logger
		Signaling  Signaling
		ListenAddr string
	}

	Server struct {
		signaling Signaling
		ws        *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:    cfg.Logger.With().Str("component", "websocket-server").Logger(),
		signaling: cfg.Signaling,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sock, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	sock.SetReadLimit(defaultWebSocketMaxMessageSize)

	conn := newWSConn(q.Get("userid"), sock, srv.logger)

	var extra json.RawMessage
	if raw := q.Get("extra"); raw != "" && json.Valid([]byte(raw)) {
		extra = json.RawMessage(raw)
	}
	participant := srv.signaling.Connect(conn, engine.ConnectOptions{
		UserID:       q.Get("userid"),
		MessageEvent: q.Get("msgEvent"),
		Extra:        extra,
		OnTeardown: func() {
			_ = conn.Close(websocket.CloseNormalClosure, "session closed")
		},
	})

	// the engine may have assigned a fresh id on collision
	conn.setID(participant.ID)

	customEvent := q.Get("customEvent")
	if customEvent != "" {
		if err := srv.signaling.RegisterCustomEvent(participant.ID, customEvent); err != nil {
			srv.logger.Debug().Err(err).Msg("custom event registration rejected")
			customEvent = ""
		}
	}

	go conn.writePump()
	go srv.serveConn(conn, participant.ID, participant.MessageEvent, customEvent)
}

type session struct {
	conn         *wsConn
	userID       string
	messageEvent string
	customEvent  string
	logger       zerolog.Logger
}

func (srv *Server) serveConn(conn *wsConn, userID, messageEvent, customEvent string) {
	s := &session{
		conn:         conn,
		userID:       userID,
		messageEvent: messageEvent,
		customEvent:  customEvent,
		logger: srv.logger.With().
			Str("userID", userID).
			Logger(),
	}
	s.logger.Debug().Msg("signaling session created")

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("connection closed")
			} else {
				s.logger.Debug().Err(err).Msg("receive failed")
			}
			break
		}

		var frame inboundFrame
		if err = json.Unmarshal(data, &frame); err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshal incoming frame")
			continue
		}
		if e := s.logger.Trace(); e.Enabled() {
			e.Str("frame", spew.Sdump(frame)).Msg("frame received")
		}
		srv.dispatch(s, frame)
	}

	srv.signaling.Disconnect(s.userID)
	_ = conn.Close(websocket.CloseNormalClosure, "session ended")
	s.logger.Debug().Msg("signaling session ended")
}

func (srv *Server) dispatch(s *session, frame inboundFrame) {
	switch frame.Event {
	case model.EventPong:
		var token uint64
		if err := json.Unmarshal(frame.Data, &token); err == nil {
			srv.signaling.Pong(s.userID, token)
		}

	case "open-room":
		var req model.OpenRoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		s.ackResult(frame.Ack, srv.signaling.OpenRoom(s.userID, req))

	case "join-room":
		var req model.JoinRoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		s.ackResult(frame.Ack, srv.signaling.JoinRoom(s.userID, req))

	case "check-presence":
		var roomID string
		if err := json.Unmarshal(frame.Data, &roomID); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		present, info := srv.signaling.CheckPresence(roomID)
		s.ack(frame.Ack, present, roomID, info)

	case "get-public-rooms":
		var identifier string
		if err := json.Unmarshal(frame.Data, &identifier); err != nil {
			s.ack(frame.Ack, nil, "malformed payload")
			return
		}
		rooms, err := srv.signaling.PublicRooms(identifier)
		if err != nil {
			s.ack(frame.Ack, nil, err.Error())
			return
		}
		s.ack(frame.Ack, rooms)

	case "set-password":
		var password string
		if err := json.Unmarshal(frame.Data, &password); err != nil {
			s.ack(frame.Ack, false, "", "malformed payload")
			return
		}
		roomID, err := srv.signaling.SetPassword(s.userID, password)
		if err != nil {
			s.ack(frame.Ack, false, roomID, err.Error())
			return
		}
		s.ack(frame.Ack, true, roomID)

	case "is-valid-password":
		var req struct {
			Password string `json:"password"`
			RoomID   string `json:"sessionid"`
		}
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.ack(frame.Ack, false, "", "malformed payload")
			return
		}
		valid, err := srv.signaling.IsValidPassword(req.RoomID, req.Password)
		if err != nil {
			s.ack(frame.Ack, false, req.RoomID, err.Error())
			return
		}
		s.ack(frame.Ack, valid, req.RoomID)

	case "close-entire-session":
		s.ackResult(frame.Ack, srv.signaling.CloseEntireSession(s.userID))

	case "extra-data-updated":
		if err := srv.signaling.UpdateExtra(s.userID, frame.Data); err != nil {
			s.logger.Debug().Err(err).Msg("extra data update rejected")
		}

	case "get-remote-user-extra-data":
		var remoteID string
		if err := json.Unmarshal(frame.Data, &remoteID); err != nil {
			s.ack(frame.Ack, nil, "malformed payload")
			return
		}
		extra, err := srv.signaling.RemoteExtra(remoteID)
		if err != nil {
			s.ack(frame.Ack, nil, err.Error())
			return
		}
		s.ack(frame.Ack, extra)

	case "changed-uuid":
		var newID string
		if err := json.Unmarshal(frame.Data, &newID); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		if err := srv.signaling.ChangeUserID(s.userID, newID); err != nil {
			s.ack(frame.Ack, false, err.Error())
			return
		}
		s.userID = newID
		s.conn.setID(newID)
		s.logger = srv.logger.With().Str("userID", newID).Logger()
		s.ack(frame.Ack, true, newID)

	case "disconnect-with":
		var remoteID string
		if err := json.Unmarshal(frame.Data, &remoteID); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		s.ackResult(frame.Ack, srv.signaling.DisconnectWith(s.userID, remoteID))

	case s.messageEvent:
		var msg model.RelayMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			s.ack(frame.Ack, false, "malformed payload")
			return
		}
		outcome, err := srv.signaling.Relay(s.userID, msg)
		switch {
		case err != nil:
			s.ack(frame.Ack, false, err.Error())
		case outcome.Presence != nil:
			s.ack(frame.Ack, outcome.Presence.IsPresent, outcome.Presence.UserID)
		default:
			s.ack(frame.Ack, true)
		}

	default:
		if s.customEvent != "" && frame.Event == s.customEvent {
			if err := srv.signaling.EmitCustomEvent(s.userID, frame.Event, frame.Data); err != nil {
				s.logger.Debug().Err(err).Msg("custom event fan-out rejected")
			}
			return
		}
		s.logger.Warn().Str("event", frame.Event).Msg("unknown event")
	}
}

// ack sends a reply tuple for a request that carried an ack id.
func (s *session) ack(ackID uint64, args ...any) {
	if ackID == 0 {
		return
	}
	select {
	case s.conn.tx <- outboundFrame{Event: "ack", Ack: ackID, Args: args}:
	default:
		s.logger.Debug().Uint64("ack", ackID).Msg("ack dropped, send buffer full")
	}
}

// ackResult maps an (ok, error?) result onto the reply convention.
func (s *session) ackResult(ackID uint64, err error) {
	if err != nil {
		s.ack(ackID, false, err.Error())
		return
	}
	s.ack(ackID, true)
}
