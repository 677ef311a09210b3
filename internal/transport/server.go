// Package transport accepts host connections on a Unix domain socket and
// wires each one to its own session. Sessions are fully isolated: one
// connection, one state machine, one registry, zero sharing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"indicator-udfv1/internal/metrics"
	"indicator-udfv1/internal/session"
	"indicator-udfv1/internal/udf"
)

// Config controls the listener and per-connection behavior.
type Config struct {
	SocketPath       string
	MaxFrameBytes    int
	HandshakeTimeout time.Duration
}

// Server owns the Unix socket listener and the per-connection goroutines.
type Server struct {
	cfg    Config
	log    *slog.Logger
	met    *metrics.Metrics
	health *metrics.HealthStatus

	// newSession builds an isolated session for one connection.
	newSession func(id string) *session.Session

	ln     net.Listener
	nextID atomic.Int64
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewServer creates a server. newSession must return a fresh session per
// call; met and health may be nil.
func NewServer(cfg Config, log *slog.Logger, met *metrics.Metrics, health *metrics.HealthStatus, newSession func(id string) *session.Session) *Server {
	return &Server{
		cfg:        cfg,
		log:        log,
		met:        met,
		health:     health,
		newSession: newSession,
	}
}

// Listen binds the socket, replacing a stale file left by a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln
	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Serve runs the accept loop until ctx is cancelled, then waits for all
// sessions to finish their in-flight message and exit.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error("accept failed", "err", err)
			continue
		}

		id := "sess-" + strconv.FormatInt(s.nextID.Add(1), 10)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, id)
		}()
	}

	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) setActive(n int64) {
	if s.health != nil {
		s.health.SetActiveSessions(int(n))
	}
}

// handleConn runs one session: a reader goroutine decoding frames into an
// inbound channel, a writer goroutine encoding the outbound channel, and
// the dispatcher between them. Any socket failure tears down this session
// only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, id string) {
	defer conn.Close()

	if s.met != nil {
		s.met.SessionsTotal.Inc()
		s.met.SessionsActive.Inc()
		defer s.met.SessionsActive.Dec()
	}
	s.setActive(s.active.Add(1))
	defer func() { s.setActive(s.active.Add(-1)) }()
	s.log.Info("host connected", "session", id)

	in := make(chan session.Inbound, 64)
	out := make(chan udf.Response, 64)
	done := make(chan struct{})

	// Reader: frames -> in. Closes in on EOF; a decode error is forwarded
	// once (the session rejects it and terminates) and reading stops.
	go func() {
		defer close(in)
		dec := udf.NewDecoder(conn, s.cfg.MaxFrameBytes)
		for {
			req, err := dec.Decode()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					select {
					case in <- session.Inbound{Err: err}:
					case <-done:
					}
				}
				return
			}
			select {
			case in <- session.Inbound{Req: req}:
			case <-done:
				return
			}
		}
	}()

	// Writer: out -> frames. A write failure closes the connection, which
	// unwinds the reader and with it the session; the channel keeps being
	// drained so the dispatcher never blocks.
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		enc := udf.NewEncoder(conn)
		broken := false
		for resp := range out {
			if broken {
				continue
			}
			if err := enc.Encode(resp); err != nil {
				s.log.Error("write failed, dropping session", "session", id, "err", err)
				broken = true
				conn.Close()
			}
		}
	}()

	sess := s.newSession(id)
	disp := session.NewDispatcher(sess, s.log, s.cfg.HandshakeTimeout)
	err := disp.Run(ctx, in, out)

	close(done)
	writerWG.Wait()

	if err != nil {
		s.log.Warn("session ended with error", "session", id, "err", err)
	} else {
		s.log.Info("session ended", "session", id)
	}
}
