package ingest

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"github.com/cyberinferno/sensor-ingest/logger"
)

// State is the lifecycle state of one client connection.
type State int32

const (
	Connected    State = iota // Accepted, handler not yet reading
	Reading                   // Handler is relaying records
	Closing                   // Client sent the sentinel
	Disconnected              // Peer closed, read failed, or the server closed the socket
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Reading:
		return "Reading"
	case Closing:
		return "Closing"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// disconnectReason is logged when a handler exits.
type disconnectReason string

const (
	reasonSentinel     disconnectReason = "sentinel"
	reasonPeerClosed   disconnectReason = "peer closed"
	reasonServerClosed disconnectReason = "closed by server"
	reasonIOError      disconnectReason = "read error"
	reasonDecodeError  disconnectReason = "decode error"
	reasonRejected     disconnectReason = "not scheduled"
	reasonPanic        disconnectReason = "handler panic"
)

// Connection is one accepted client. Its handler reads records until the
// sentinel, EOF or an error, appending each to the session log.
type Connection struct {
	id          uint32
	conn        net.Conn
	remote      string
	connectedAt time.Time
	server      *Server
	logger      logger.Logger

	state   atomic.Int32
	records atomic.Int64
	bytes   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newConnection(s *Server, id uint32, conn net.Conn) *Connection {
	remote := conn.RemoteAddr().String()
	c := &Connection{
		id:          id,
		conn:        conn,
		remote:      remote,
		connectedAt: s.now(),
		server:      s,
		logger: s.logger.With(
			logger.Field{Key: "conn_id", Value: id},
			logger.Field{Key: "remote", Value: remote},
		),
	}
	c.state.Store(int32(Connected))
	return c
}

// ID returns the server-assigned connection ID.
func (c *Connection) ID() uint32 {
	return c.id
}

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Records returns how many records from this connection were appended.
func (c *Connection) Records() int64 {
	return c.records.Load()
}

// Close closes the socket. It is safe to call multiple times and from any
// goroutine; a blocked read in the handler returns immediately.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// Handle runs the read loop. The server runs it on its handler pool; it
// returns once the connection is finished and fully released.
func (c *Connection) Handle() {
	reason := reasonPanic
	defer func() {
		c.server.release(c, reason)
	}()

	c.state.Store(int32(Reading))
	reason = c.readLoop()
}

func (c *Connection) readLoop() disconnectReason {
	reader := newRecordReader(c.conn, c.server.cfg.Framing, c.server.cfg.ReadBufferSize)
	for {
		payload, err := reader.Next()
		if err != nil {
			return c.readFailed(err)
		}

		if done, reason := c.handleRecord(payload); done {
			return reason
		}
	}
}

// handleRecord processes one record and reports whether the connection is
// finished.
func (c *Connection) handleRecord(payload []byte) (bool, disconnectReason) {
	if !utf8.Valid(payload) {
		err := errors.Mark(errors.Newf("record of %d bytes is not valid UTF-8", len(payload)), ErrDecode)
		c.logger.Warn("closing connection on undecodable record", logger.Field{Key: "error", Value: err})
		c.server.metrics.DecodeErrors.Inc()
		return true, reasonDecodeError
	}

	text := string(payload)
	if c.server.sentinel.matches(text) {
		c.state.Store(int32(Closing))
		c.server.metrics.SentinelCloses.Inc()
		return true, reasonSentinel
	}

	c.server.appendRecord(c, text)
	return false, ""
}

func (c *Connection) readFailed(err error) disconnectReason {
	switch {
	case errors.Is(err, io.EOF):
		return reasonPeerClosed
	case errors.Is(err, net.ErrClosed):
		return reasonServerClosed
	default:
		err = errors.Mark(errors.Wrap(err, "read failed"), ErrConnectionIO)
		c.logger.Warn("connection read error", logger.Field{Key: "error", Value: err})
		return reasonIOError
	}
}
