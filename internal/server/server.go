package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/splax/edgelogger/internal/framing"
	"github.com/splax/edgelogger/internal/metrics"
)

const (
	defaultMaxConnections  = 256
	defaultMaxMessageBytes = 64 * 1024
	maxAcceptBackoff       = time.Second
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Handler turns one framed request into one reply.
type Handler interface {
	Handle(ctx context.Context, msg []byte) []byte
	Oversize(size, limit int64) []byte
}

// Config controls the TCP ingest listener.
type Config struct {
	Addr            string
	Framing         string
	MaxMessageBytes int
	MaxConnections  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// Server accepts machine connections and serves framed request/reply exchanges.
// Messages on one connection are handled strictly in order.
type Server struct {
	cfg     Config
	handler Handler
	log     *slog.Logger
	metrics *metrics.Ingest

	slots   chan struct{}
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// New constructs a Server. Zero values in cfg fall back to defaults.
func New(cfg Config, handler Handler, logger *slog.Logger, m *metrics.Ingest) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Framing == "" {
		cfg.Framing = framing.ModeLength
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     logger.With("component", "tcp"),
		metrics: m,
		slots:   make(chan struct{}, cfg.MaxConnections),
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx ends or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. A connection slot is reserved before each
// accept, so at most MaxConnections peers are served at once and the rest wait
// in the listen backlog.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if _, err := framing.NewReader(s.cfg.Framing, nil, s.cfg.MaxMessageBytes); err != nil {
		_ = ln.Close()
		return err
	}

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("ingest server listening",
		"addr", ln.Addr().String(),
		"framing", s.cfg.Framing,
		"max_connections", s.cfg.MaxConnections,
		"max_message_bytes", s.cfg.MaxMessageBytes,
	)

	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.done:
		}
	}()

	// In-flight writes outlive the listener context.
	connCtx := context.WithoutCancel(ctx)

	var backoff time.Duration
	for {
		select {
		case s.slots <- struct{}{}:
		case <-s.done:
			return ErrServerClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			<-s.slots
			if s.closing.Load() {
				return ErrServerClosed
			}
			s.metrics.AcceptFailed()
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-s.done:
					return ErrServerClosed
				}
				continue
			}
			s.stop()
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			<-s.slots
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.handleConnection(connCtx, conn)
	}
}

// Shutdown stops accepting, lets in-flight requests finish and waits for every
// connection to close. When ctx ends first, remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-finished
		return ctx.Err()
	}
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		// Wake readers blocked between requests.
		for conn := range s.conns {
			_ = conn.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()
	})
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	log := s.log.With("conn_id", uuid.NewString(), "remote", conn.RemoteAddr().String())
	s.metrics.ConnOpened()
	log.Debug("connection accepted")

	defer func() {
		_ = conn.Close()
		s.untrack(conn)
		s.metrics.ConnClosed()
		<-s.slots
		s.wg.Done()
	}()

	reader, err := framing.NewReader(s.cfg.Framing, conn, s.cfg.MaxMessageBytes)
	if err != nil {
		log.Error("create frame reader", "error", err)
		return
	}
	writer, err := framing.NewWriter(s.cfg.Framing, conn)
	if err != nil {
		log.Error("create frame writer", "error", err)
		return
	}

	for {
		open, err := s.armRead(conn)
		if err != nil {
			log.Warn("set read deadline", "error", err)
			return
		}
		if !open {
			log.Debug("closing connection for shutdown")
			return
		}

		msg, err := reader.Next()
		if err != nil {
			var tooLarge *framing.TooLargeError
			switch {
			case errors.As(err, &tooLarge):
				if err := s.reply(conn, writer, s.handler.Oversize(tooLarge.Size, tooLarge.Limit)); err != nil {
					log.Warn("write reply failed", "error", err)
					return
				}
				continue
			case errors.Is(err, io.EOF):
				log.Debug("connection closed by peer")
			case s.closing.Load():
				log.Debug("closing connection for shutdown")
			default:
				log.Warn("read failed, closing connection", "error", err)
			}
			return
		}

		if err := s.reply(conn, writer, s.handler.Handle(ctx, msg)); err != nil {
			log.Warn("write reply failed", "error", err)
			return
		}
	}
}

// armRead sets the next read deadline. It reports false once shutdown has
// begun; holding mu orders it against the wake-up deadline set by stop.
func (s *Server) armRead(conn net.Conn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false, nil
	}
	if s.cfg.ReadTimeout > 0 {
		return true, conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	return true, nil
}

func (s *Server) reply(conn net.Conn, writer framing.Writer, payload []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return writer.WriteMessage(payload)
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return 5 * time.Millisecond
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
