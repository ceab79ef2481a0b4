// Package engine implements the signaling control-plane: the concurrent
// room/participant state machine, the peer-link relay protocol and the
// connection lifecycle, backed by one in-memory registry per engine instance.
//
// All registry access is serialized behind a single engine mutex, so every
// protocol operation and timer callback runs to completion before the next
// one observes its effects.
package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rtcmesh/signaling/backend/heartbeat"
	"github.com/rtcmesh/signaling/backend/metrics"
	"github.com/rtcmesh/signaling/backend/model"
	"github.com/rtcmesh/signaling/backend/registry"
)

const defaultMaxParticipants = 256

// closeConnectionLost is the transport close code used when heartbeat
// escalation force-closes a connection.
const closeConnectionLost = 1001

// Protocol failure reasons. These are routine outcomes surfaced to clients
// through reply tuples, not internal faults.
var (
	ErrRoomNotAvailable  = errors.New("room not available")
	ErrInvalidPassword   = errors.New("invalid password")
	ErrRoomFull          = errors.New("room full")
	ErrIdentifierMissing = errors.New("identifier missing")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNoRoomJoined      = errors.New("did not join any room")
	ErrRoomHasNoPassword = errors.New("room has no password")
	ErrUserIDTaken       = errors.New("userid not available")
	ErrUserNotFound      = errors.New("user not found")
	ErrNotConnected      = errors.New("not connected with this user")
	ErrRoomIDMissing     = errors.New("room id missing")
	ErrPasswordMissing   = errors.New("password missing")
	ErrUserIDMissing     = errors.New("userid missing")
	ErrEventNameMissing  = errors.New("event name missing")
)

type Config struct {
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics

	// Clock drives heartbeat timers; nil means the wall clock.
	Clock clock.Clock

	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxFailedPings int

	// DefaultMaxParticipants caps rooms opened without an explicit limit.
	DefaultMaxParticipants int
}

type Engine struct {
	// mu is the single lock serializing all registry mutations, including
	// heartbeat callbacks re-entering through engine methods.
	mu  sync.Mutex
	reg *registry.Registry

	monitor    *heartbeat.Monitor
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	maxPerRoom int
	teardowns  map[string]func()
}

func New(cfg Config) *Engine {
	e := &Engine{
		reg:        registry.New(),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With().Str("component", "engine").Logger(),
		maxPerRoom: cfg.DefaultMaxParticipants,
		teardowns:  make(map[string]func()),
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.maxPerRoom <= 0 {
		e.maxPerRoom = defaultMaxParticipants
	}
	e.monitor = heartbeat.NewMonitor(heartbeat.Config{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		MaxFailedPings: cfg.MaxFailedPings,
		Hooks: heartbeat.Hooks{
			SendPing:   e.sendPing,
			OnTimeout:  e.onPingTimeout,
			OnRestored: e.onConnectionRestored,
			OnLost:     e.onConnectionLost,
		},
	})
	return e
}

// Pong feeds a heartbeat reply through to the monitor.
func (e *Engine) Pong(id string, token uint64) {
	e.monitor.Pong(id, token)
}

func (e *Engine) sendPing(id string, token uint64) bool {
	e.mu.Lock()
	var conn model.Connection
	if p, ok := e.reg.Participant(id); ok {
		conn = p.Conn
	}
	e.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.Send(model.EventPing, token)
}

func (e *Engine) onPingTimeout(id string, failed int) {
	e.metrics.HeartbeatTimeouts.Inc()
	e.logger.Debug().Str("userID", id).Int("failedPings", failed).Msg("ping timeout")
}

func (e *Engine) onConnectionRestored(id string, latency time.Duration) {
	e.metrics.HeartbeatRestored.Inc()
	e.logger.Info().Str("userID", id).Dur("latency", latency).Msg("connection restored")
}

// onConnectionLost force-closes the connection and runs the same teardown an
// explicit disconnect would. This is the only path by which the heartbeat
// layer mutates shared state.
func (e *Engine) onConnectionLost(id string) {
	e.metrics.HeartbeatLost.Inc()
	e.logger.Warn().Str("userID", id).Msg("connection lost, forcing disconnect")

	e.mu.Lock()
	var conn model.Connection
	if p, ok := e.reg.Participant(id); ok {
		conn = p.Conn
	}
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Close(closeConnectionLost, "connection lost"); err != nil {
			e.logger.Debug().Err(err).Str("userID", id).Msg("failed to close connection")
		}
	}
	e.Disconnect(id)
}

func (e *Engine) updateGaugesLocked() {
	e.metrics.Participants.Set(float64(e.reg.NumParticipants()))
	e.metrics.Rooms.Set(float64(e.reg.NumRooms()))
}
