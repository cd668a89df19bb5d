// Package ingest implements the sensor ingest server: a TCP listener that
// relays every client's text records to one shared session log.
package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"

	"github.com/cyberinferno/sensor-ingest/config"
	"github.com/cyberinferno/sensor-ingest/logger"
	"github.com/cyberinferno/sensor-ingest/metrics"
	"github.com/cyberinferno/sensor-ingest/mirror"
	"github.com/cyberinferno/sensor-ingest/peertrack"
	"github.com/cyberinferno/sensor-ingest/sessionlog"
)

const (
	appendRetryDelay = 10 * time.Millisecond
	mirrorTimeout    = 2 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics makes the server update m instead of a private Metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMirror publishes every appended record to sink. The server closes the
// sink on shutdown.
func WithMirror(sink mirror.Sink) Option {
	return func(s *Server) {
		s.mirror = sink
	}
}

// WithClock replaces time.Now for connection bookkeeping and the session log
// file name. Record timestamps always come from the session log.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server accepts sensor connections and appends their records to a session
// log. Each connection is handled by its own task on an ants pool, bounded by
// MaxConnections when it is positive.
type Server struct {
	cfg      config.Server
	logger   logger.Logger
	metrics  *metrics.Metrics
	mirror   mirror.Sink
	peers    *peertrack.Tracker
	sentinel sentinelMatcher
	now      func() time.Time

	// mu guards listener, log and pool while Start publishes them, so the
	// accessors may be called concurrently with Run.
	mu       sync.RWMutex
	listener net.Listener
	log      *sessionlog.SessionLog
	pool     *ants.Pool
	conns    registry
	nextID   atomic.Uint32
	handlers sync.WaitGroup

	started    atomic.Bool
	running    atomic.Bool
	forced     atomic.Bool
	acceptDone chan struct{}
	fatal      chan error

	// ctx bounds mirror publishes; cancelled when connections are forced closed.
	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer creates a server for cfg. Nothing is bound or created until
// Start.
//
// Parameters:
//   - cfg: Listener, session log and handler settings; assumed validated
//   - log: Operator logger
//   - opts: Optional metrics, mirror and clock
//
// Returns:
//   - A new Server
func NewServer(cfg config.Server, log logger.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     log,
		peers:      peertrack.New(cfg.ReconnectWindow),
		sentinel:   newSentinelMatcher(cfg.Sentinel, cfg.SentinelMatch),
		now:        time.Now,
		acceptDone: make(chan struct{}),
		fatal:      make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	return s
}

// Start binds the listen address, opens the session log and starts the
// accept loop in a goroutine. The address is bound first so a busy port
// never leaves an empty session log behind.
//
// Returns:
//   - An error matching ErrBind or ErrFileOpen, or ErrAlreadyStarted
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("server failed to bind", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err})
		return errors.Mark(errors.Wrapf(err, "failed to listen on %s", addr), ErrBind)
	}

	path := sessionlog.FileName(s.cfg.OutputDir, s.cfg.Participant, s.now())
	sl, err := sessionlog.Open(path)
	if err != nil {
		_ = ln.Close()
		s.logger.Error("server failed to open session log", logger.Field{Key: "path", Value: path}, logger.Field{Key: "error", Value: err})
		return err
	}

	pool, err := ants.NewPool(s.cfg.MaxConnections, ants.WithPanicHandler(func(v any) {
		s.logger.Error("connection handler panicked", logger.Field{Key: "panic", Value: fmt.Sprint(v)})
	}))
	if err != nil {
		_ = ln.Close()
		_ = sl.Close()
		return fmt.Errorf("failed to create handler pool: %w", err)
	}

	s.listener = ln
	s.log = sl
	s.pool = pool
	s.running.Store(true)

	s.logger.Info("server started",
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "session_log", Value: path},
		logger.Field{Key: "framing", Value: s.cfg.Framing},
		logger.Field{Key: "sentinel_match", Value: s.cfg.SentinelMatch},
		logger.Field{Key: "max_connections", Value: s.cfg.MaxConnections},
	)
	go s.acceptLoop(ln)

	return nil
}

// Run starts the server and blocks until ctx is done or the listener fails,
// then shuts down, giving in-flight connections ShutdownGrace to finish.
//
// Parameters:
//   - ctx: Cancel to request shutdown (e.g. on SIGINT)
//
// Returns:
//   - The startup error, the fatal listener error, or the shutdown error
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("interrupt received, shutting down")
	case runErr = <-s.fatal:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	return runErr
}

// Shutdown stops accepting connections and waits for active handlers to
// finish. When ctx expires first, the remaining sockets are closed and their
// handlers awaited. The session log is closed last, so every record a handler
// read is on disk. Safe to call more than once; later calls return the first
// result.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})

	return s.shutdownErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.RLock()
	ln, sl, pool := s.listener, s.log, s.pool
	s.mu.RUnlock()

	if ln == nil {
		s.cancel()
		return nil
	}

	s.running.Store(false)
	_ = ln.Close()
	s.logger.Info("server stopping, waiting for clients to close", logger.Field{Key: "active", Value: s.conns.len()})

	drained := make(chan struct{})
	go func() {
		<-s.acceptDone
		s.handlers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.forced.Store(true)
		s.cancel()
		for _, c := range s.conns.list() {
			s.logger.Warn("closing connection after grace period",
				logger.Field{Key: "conn_id", Value: c.ID()},
				logger.Field{Key: "remote", Value: c.RemoteAddr()},
				logger.Field{Key: "records", Value: c.Records()},
			)
		}
		s.conns.closeAll()
		<-drained
	}

	pool.Release()
	s.cancel()

	var errs error
	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "failed to close mirror"))
		}
	}

	if err := sl.Close(); err != nil {
		errs = errors.CombineErrors(errs, err)
	}

	s.logger.Info("server stopped",
		logger.Field{Key: "session_log", Value: sl.Path()},
		logger.Field{Key: "records", Value: sl.Lines()},
	)

	return errs
}

// Addr returns the bound listen address, or nil before Start. With port 0
// this is how callers learn the chosen port.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// LogPath returns the session log path, or "" before Start.
func (s *Server) LogPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.log == nil {
		return ""
	}

	return s.log.Path()
}

// ActiveConnections returns the number of connections being handled.
func (s *Server) ActiveConnections() int {
	return s.conns.len()
}

// Connection returns the active connection with the given ID.
func (s *Server) Connection(id uint32) (*Connection, bool) {
	return s.conns.get(id)
}

// Connections returns the active connections ordered by ID.
func (s *Server) Connections() []*Connection {
	return s.conns.list()
}

// acceptLoop accepts connections until the listener is closed. Transient
// accept errors are retried with exponential delay; anything else is
// reported to Run as fatal.
func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if isTransientAcceptError(err) {
				delay := retry.NextBackOff()
				s.logger.Warn("accept error, retrying", logger.Field{Key: "error", Value: err}, logger.Field{Key: "retry_in", Value: delay.String()})
				time.Sleep(delay)
				continue
			}

			s.logger.Error("listener failed", logger.Field{Key: "error", Value: err})
			s.fatal <- errors.Mark(errors.Wrap(err, "accept failed"), ErrListener)
			return
		}

		retry.Reset()
		s.serve(conn)
	}
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// serve registers conn and schedules its handler. With a bounded pool this
// blocks until a handler slot is free; data the client sends meanwhile waits
// in the socket and is stamped when it is finally read.
func (s *Server) serve(conn net.Conn) {
	c := newConnection(s, s.nextID.Add(1), conn)
	s.conns.add(c)
	s.handlers.Add(1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	c.logger.Info("new connection added")
	s.notePeer(c)

	if s.forced.Load() {
		_ = c.Close()
	}

	if s.pool.Cap() > 0 && s.pool.Free() == 0 {
		c.logger.Warn("all handler slots busy, connection waits", logger.Field{Key: "max_connections", Value: s.pool.Cap()})
	}

	if err := s.pool.Submit(c.Handle); err != nil {
		c.logger.Error("failed to schedule connection handler", logger.Field{Key: "error", Value: err})
		s.release(c, reasonRejected)
	}
}

func (s *Server) notePeer(c *Connection) {
	host, _, err := net.SplitHostPort(c.remote)
	if err != nil {
		host = c.remote
	}

	if previous, ok := s.peers.Seen(host, c.connectedAt); ok {
		c.logger.Info("client reconnected", logger.Field{Key: "since_last", Value: c.connectedAt.Sub(previous).String()})
	}
}

// release is the single exit path of a connection: the socket is closed,
// the registry entry removed and the disconnect logged.
func (s *Server) release(c *Connection, reason disconnectReason) {
	_ = c.Close()
	if reason != reasonSentinel {
		c.state.Store(int32(Disconnected))
	}

	s.conns.remove(c.id)
	s.metrics.ConnectionsActive.Dec()

	c.logger.Info("client disconnected",
		logger.Field{Key: "reason", Value: string(reason)},
		logger.Field{Key: "records", Value: c.records.Load()},
		logger.Field{Key: "received", Value: humanize.Bytes(uint64(c.bytes.Load()))},
		logger.Field{Key: "duration", Value: s.now().Sub(c.connectedAt).String()},
	)

	s.handlers.Done()
}

// appendRecord writes one record to the session log. A failed write is
// retried once by resuming the unwritten rest of the line, so a partial write
// never leaves a fragment followed by a second copy. A record that still
// cannot be written is logged and counted; the connection keeps running and
// the log writes the pending rest before its next line.
func (s *Server) appendRecord(c *Connection, payload string) {
	var ts int64
	attempt := 0
	op := func() error {
		attempt++
		var err error
		if attempt == 1 {
			ts, err = s.log.Append(payload)
		} else {
			err = s.log.Resume()
		}

		if err != nil && !errors.Is(err, ErrLogWrite) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("session log append failed, retrying", logger.Field{Key: "error", Value: err}, logger.Field{Key: "retry_in", Value: wait.String()})
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(appendRetryDelay), 1)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.metrics.AppendFailures.Inc()
		c.logger.Error("record not appended", logger.Field{Key: "error", Value: err}, logger.Field{Key: "bytes", Value: len(payload)})
		return
	}

	c.records.Add(1)
	c.bytes.Add(int64(len(payload)))
	s.metrics.Records.Inc()
	s.metrics.RecordBytes.Add(float64(len(payload)))

	if s.mirror == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, mirrorTimeout)
	defer cancel()

	err := s.mirror.Publish(ctx, mirror.Record{
		ReceivedAt: ts,
		Payload:    payload,
		Remote:     c.remote,
		ConnID:     c.id,
	})
	if err != nil {
		c.logger.Warn("mirror publish failed", logger.Field{Key: "error", Value: err})
	}
}
