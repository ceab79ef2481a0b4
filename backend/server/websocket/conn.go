package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultSendBufferSize = 64

	// closeLinger is how long the writer keeps flushing queued frames
	// (teardown notifications, final acks) after a close was requested.
	closeLinger = 200 * time.Millisecond
)

type (
	inboundFrame struct {
		Event string          `json:"event"`
		Ack   uint64          `json:"ack,omitempty"`
		Data  json.RawMessage `json:"data,omitempty"`
	}

	outboundFrame struct {
		Event string `json:"event"`
		Ack   uint64 `json:"ack,omitempty"`
		Args  []any  `json:"args,omitempty"`
	}
)

// wsConn adapts one gorilla connection to the engine's Connection contract.
// All writes go through the tx channel and a single writer goroutine, so
// Send never blocks a protocol handler.
type wsConn struct {
	// idMu guards id, which changes when the engine assigns a fresh id on
	// collision or the participant renames itself
	idMu sync.Mutex
	id   string

	sock *websocket.Conn
	tx   chan outboundFrame
	done chan struct{}
	once sync.Once

	closeCode   int
	closeReason string

	logger zerolog.Logger
}

func newWSConn(id string, sock *websocket.Conn, logger zerolog.Logger) *wsConn {
	return &wsConn{
		id:     id,
		sock:   sock,
		tx:     make(chan outboundFrame, defaultSendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsConn) ID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.id
}

func (c *wsConn) setID(id string) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.id = id
}

// Send enqueues an event frame for delivery. It reports false when the send
// buffer is full or the connection is shutting down; delivery is best-effort
// either way.
func (c *wsConn) Send(event string, args ...any) bool {
	select {
	case c.tx <- outboundFrame{Event: event, Args: args}:
		return true
	default:
		return false
	}
}

// Close requests a graceful shutdown: the writer flushes briefly, writes the
// close frame and closes the socket, which also unblocks the reader.
func (c *wsConn) Close(code int, reason string) error {
	c.once.Do(func() {
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

func (c *wsConn) writePump() {
	defer func() {
		_ = c.sock.Close()
	}()
	for {
		select {
		case <-c.done:
			c.flushAndClose()
			return
		case frame := <-c.tx:
			if !c.writeFrame(frame) {
				_ = c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// flushAndClose drains frames queued around the close request before
// writing the close message.
func (c *wsConn) flushAndClose() {
	linger := time.NewTimer(closeLinger)
	defer linger.Stop()
	for {
		select {
		case frame := <-c.tx:
			if !c.writeFrame(frame) {
				return
			}
		case <-linger.C:
			c.writeClose()
			return
		}
	}
}

func (c *wsConn) writeFrame(frame outboundFrame) bool {
	b, err := json.Marshal(&frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outgoing frame")
		return true // drop the frame, keep the connection
	}
	if err = c.sock.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return false
	}
	w, err := c.sock.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to get websocket text writer")
		return false
	}
	if _, err = w.Write(b); err != nil {
		c.logger.Error().Err(err).Msg("failed to write outgoing frame")
		return false
	}
	if err = w.Close(); err != nil {
		c.logger.Error().Err(err).Msg("failed to close websocket writer")
		return false
	}
	return true
}

func (c *wsConn) writeClose() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	if err := c.sock.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline)); err != nil {
		c.logger.Debug().Err(err).Msg("failed to set close write deadline")
		return
	}
	if err := c.sock.WriteMessage(websocket.CloseMessage, msg); err != nil {
		c.logger.Debug().Err(err).Msg("failed to write close message")
	}
}
