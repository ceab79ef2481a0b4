// Package heartbeat implements per-connection liveness monitoring: a
// ping/pong scheduler with consecutive-failure counting and escalation to
// forced disconnect. It runs independently of protocol traffic and touches
// shared state only through the hooks it was configured with.
package heartbeat

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval   = 5 * time.Second
	defaultPongTimeout    = 3 * time.Second
	defaultMaxFailedPings = 3

	// retry delay after a missed pong is capped so a long ping interval
	// does not slow down escalation
	maxRetryDelay = 5 * time.Second
)

type (
	// Hooks connect the monitor to the rest of the system. SendPing must be
	// non-blocking and report whether the connection accepted the ping.
	// OnLost fires exactly once per monitored connection and is expected to
	// run the same teardown path an explicit disconnect would.
	Hooks struct {
		SendPing   func(id string, token uint64) bool
		OnTimeout  func(id string, failed int)
		OnRestored func(id string, latency time.Duration)
		OnLost     func(id string)
	}

	Config struct {
		Logger         *zerolog.Logger
		Clock          clock.Clock
		PingInterval   time.Duration
		PongTimeout    time.Duration
		MaxFailedPings int
		Hooks          Hooks
	}

	record struct {
		failedPings  int
		lastPingTime time.Time
		token        uint64
		awaitingPong bool
		pingTimer    *clock.Timer
		pongTimer    *clock.Timer
	}

	Monitor struct {
		mu      sync.Mutex
		records map[string]*record

		clock          clock.Clock
		pingInterval   time.Duration
		pongTimeout    time.Duration
		maxFailedPings int
		hooks          Hooks
		logger         zerolog.Logger
	}
)

func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		records:        make(map[string]*record),
		clock:          cfg.Clock,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		maxFailedPings: cfg.MaxFailedPings,
		hooks:          cfg.Hooks,
		logger:         cfg.Logger.With().Str("component", "heartbeat").Logger(),
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.pingInterval <= 0 {
		m.pingInterval = defaultPingInterval
	}
	if m.pongTimeout <= 0 {
		m.pongTimeout = defaultPongTimeout
	}
	if m.maxFailedPings <= 0 {
		m.maxFailedPings = defaultMaxFailedPings
	}
	return m
}

// Register starts monitoring a connection. The first ping goes out after one
// ping interval. Registering an already-monitored id is a no-op.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; ok {
		return
	}
	rec := &record{}
	rec.pingTimer = m.clock.AfterFunc(m.pingInterval, func() { m.firePing(id) })
	m.records[id] = rec
}

// Deregister drops the liveness record and cancels any outstanding timers.
// Safe to call for unknown ids.
func (m *Monitor) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(id)
}

func (m *Monitor) dropLocked(id string) {
	rec, ok := m.records[id]
	if !ok {
		return
	}
	if rec.pingTimer != nil {
		rec.pingTimer.Stop()
	}
	if rec.pongTimer != nil {
		rec.pongTimer.Stop()
	}
	delete(m.records, id)
}

// Pong handles a heartbeat reply. Replies with no outstanding pong timer or
// a stale token are ignored.
func (m *Monitor) Pong(id string, token uint64) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || !rec.awaitingPong || token != rec.token {
		m.mu.Unlock()
		return
	}
	rec.awaitingPong = false
	if rec.pongTimer != nil {
		rec.pongTimer.Stop()
	}
	latency := m.clock.Now().Sub(rec.lastPingTime)
	restored := rec.failedPings > 0
	rec.failedPings = 0
	rec.pingTimer = m.clock.AfterFunc(m.pingInterval, func() { m.firePing(id) })
	m.mu.Unlock()

	m.logger.Trace().Str("id", id).Dur("latency", latency).Msg("pong received")
	if restored && m.hooks.OnRestored != nil {
		m.hooks.OnRestored(id, latency)
	}
}

func (m *Monitor) firePing(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.token++
	token := rec.token
	rec.lastPingTime = m.clock.Now()
	rec.awaitingPong = true
	rec.pongTimer = m.clock.AfterFunc(m.pongTimeout, func() { m.firePongTimeout(id, token) })
	m.mu.Unlock()

	if !m.hooks.SendPing(id, token) {
		// an undeliverable ping counts as a missed pong: a dead or
		// backpressured connection keeps escalating instead of silently
		// losing its liveness record
		m.logger.Debug().Str("id", id).Msg("ping send failed")
		m.firePongTimeout(id, token)
	}
}

func (m *Monitor) firePongTimeout(id string, token uint64) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || !rec.awaitingPong || token != rec.token {
		m.mu.Unlock()
		return
	}
	rec.awaitingPong = false
	if rec.pongTimer != nil {
		rec.pongTimer.Stop()
	}
	rec.failedPings++
	failed := rec.failedPings

	if failed < m.maxFailedPings {
		retry := m.pingInterval / 2
		if retry > maxRetryDelay {
			retry = maxRetryDelay
		}
		rec.pingTimer = m.clock.AfterFunc(retry, func() { m.firePing(id) })
		m.mu.Unlock()

		m.logger.Debug().Str("id", id).Int("failedPings", failed).Msg("ping timeout")
		if m.hooks.OnTimeout != nil {
			m.hooks.OnTimeout(id, failed)
		}
		return
	}

	m.dropLocked(id)
	m.mu.Unlock()

	m.logger.Warn().Str("id", id).Int("failedPings", failed).Msg("connection lost")
	if m.hooks.OnTimeout != nil {
		m.hooks.OnTimeout(id, failed)
	}
	if m.hooks.OnLost != nil {
		m.hooks.OnLost(id)
	}
}
