package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/presence"
	"chatrelay/protocol"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
	StateRejected
)

func (st State) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", int32(st))
}

// Session owns one client connection. Its Run goroutine is the only reader
// of the connection and the only caller of teardown; other goroutines end a
// session by closing its connection through Kick.
type Session struct {
	ID     string
	srv    *Server
	conn   net.Conn
	base   *slog.Logger // safe for any goroutine
	logger *slog.Logger // Run goroutine only; gains the username after login

	username   string // set once, before registration
	state      atomic.Int32
	registered atomic.Bool

	// sendMu orders the SUCCESS reply ahead of any event pushed by peers
	// once the session becomes visible in the registry.
	sendMu     sync.Mutex
	out        chan string
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	limiter *rate.Limiter
}

func newSession(srv *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	base := srv.logger.With("conn_id", id, "remote", conn.RemoteAddr().String())
	s := &Session{
		ID:         id,
		srv:        srv,
		conn:       conn,
		base:       base,
		logger:     base,
		out:        make(chan string, srv.config.OutboundQueue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if srv.config.MessageRate > 0 {
		s.limiter = rate.NewLimiter(srv.config.MessageRate, srv.config.MessageBurst)
	}
	return s
}

func (s *Session) Username() string {
	return s.username
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.logger.Debug("session state", "from", prev, "to", st)
}

// Send queues a line for the writer goroutine without blocking.
func (s *Session) Send(line string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.enqueue(line)
}

func (s *Session) enqueue(line string) error {
	select {
	case <-s.closing:
		return presence.ErrSessionClosed
	default:
	}

	select {
	case s.out <- line:
		return nil
	default:
		return presence.ErrSlowConsumer
	}
}

func (s *Session) reply(ev protocol.Event) {
	if err := s.Send(ev.Line()); err != nil {
		s.logger.Warn("reply dropped", "reply", ev.Line(), "error", err)
	}
}

// Kick ends the session from outside by closing its connection; the blocked
// read in Run fails and the session tears itself down.
func (s *Session) Kick(reason string) {
	s.base.Info("closing session", "reason", reason)
	s.conn.Close()
}

// Run drives the session from Connecting to Closed or Rejected.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop()
	defer s.teardown()

	s.logger.Info("client connected")
	reader := s.newScanner()

	line, err := s.readLine(reader)
	if err != nil {
		s.logger.Info("client disconnected before authenticating", "error", err)
		return
	}

	s.setState(StateAuthenticating)
	cmd, parseErr := protocol.ParseCredentials(line)
	switch c := cmd.(type) {
	case protocol.Register:
		s.handleRegister(ctx, c, parseErr)
		return
	case protocol.Login:
		if !s.handleLogin(ctx, c, parseErr) {
			return
		}
	}

	s.commandLoop(ctx, reader)
}

func (s *Session) commandLoop(ctx context.Context, reader *bufio.Scanner) {
	for {
		line, err := s.readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("connection read failed", "error", err)
			}
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			CommandsTotal.WithLabelValues("invalid").Inc()
			s.logger.Warn("ignoring command", "error", err)
			continue
		}

		if _, ok := cmd.(protocol.Logout); ok {
			CommandsTotal.WithLabelValues("logout").Inc()
			s.logger.Info("logout requested")
			s.teardown()
			return
		}

		s.dispatch(ctx, cmd)
	}
}

func (s *Session) handleLogin(ctx context.Context, c protocol.Login, parseErr error) bool {
	if parseErr != nil {
		s.reject(protocol.Fail, parseErr.Error())
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	ok, err := s.srv.gateway.Authenticate(callCtx, c.Username, c.Password)
	cancel()
	if err != nil {
		GatewayErrorsTotal.WithLabelValues("authenticate").Inc()
		s.logger.Error("authentication lookup failed", "username", c.Username, "error", err)
		s.reject(protocol.Fail, "gateway error")
		return false
	}
	if !ok {
		s.reject(protocol.Fail, "invalid credentials for "+c.Username)
		return false
	}

	s.username = c.Username
	s.logger = s.logger.With("username", c.Username)

	return s.activate(ctx)
}

// activate registers the session, answers SUCCESS and announces it online.
// A duplicate refused under the reject policy is turned away while still
// Authenticating.
func (s *Session) activate(ctx context.Context) bool {
	var prev presence.Peer

	s.srv.presenceMu.Lock()
	s.sendMu.Lock()
	if s.srv.config.RejectDuplicateLogin {
		if err := s.srv.registry.Register(s.username, s); err != nil {
			s.sendMu.Unlock()
			s.srv.presenceMu.Unlock()
			s.reject(protocol.Fail, err.Error())
			return false
		}
	} else {
		prev = s.srv.registry.Replace(s.username, s)
	}
	s.registered.Store(true)
	s.setState(StateAuthenticated)
	if err := s.enqueue(protocol.Success.Line()); err != nil {
		s.logger.Warn("reply dropped", "reply", protocol.Success.Line(), "error", err)
	}
	s.sendMu.Unlock()

	AuthResultsTotal.WithLabelValues("success").Inc()
	OnlineUsers.Set(float64(s.srv.registry.Len()))

	if old, ok := prev.(interface{ Kick(string) }); ok {
		old.Kick("replaced by a newer login")
	}

	s.setState(StateActive)
	notified := s.srv.router.BroadcastPresence(s.username, true)
	s.srv.presenceMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	if err := s.srv.gateway.UpdateLastOnline(callCtx, s.username, time.Now().UTC()); err != nil {
		GatewayErrorsTotal.WithLabelValues("update_last_online").Inc()
		s.logger.Warn("failed to record last online", "error", err)
	}
	cancel()

	s.logger.Info("session active", "notified", notified)
	return true
}

func (s *Session) reject(status protocol.Status, reason string) {
	s.setState(StateRejected)
	AuthResultsTotal.WithLabelValues(strings.ToLower(string(status))).Inc()
	s.logger.Info("request rejected", "reply", string(status), "reason", reason)
	s.reply(status)
}

// teardown runs Closing→Closed exactly once: deregister, announce offline,
// flush queued replies and release the connection.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		rejected := s.State() == StateRejected
		if !rejected {
			s.setState(StateClosing)
		}

		offline := false
		if s.registered.Load() {
			s.srv.presenceMu.Lock()
			if s.srv.registry.Unregister(s.username, s) {
				OnlineUsers.Set(float64(s.srv.registry.Len()))
				s.srv.router.BroadcastPresence(s.username, false)
				offline = true
			}
			s.srv.presenceMu.Unlock()
		}

		if offline {
			ctx, cancel := context.WithTimeout(context.Background(), s.srv.config.GatewayTimeout)
			if err := s.srv.gateway.UpdateLastOffline(ctx, s.username, time.Now().UTC()); err != nil {
				GatewayErrorsTotal.WithLabelValues("update_last_offline").Inc()
				s.logger.Warn("failed to record last offline", "error", err)
			}
			cancel()
		}

		close(s.closing)
		<-s.writerDone
		s.conn.Close()

		if !rejected {
			s.setState(StateClosed)
		}
		s.logger.Info("client disconnected")
	})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	w := bufio.NewWriter(s.conn)

	for {
		select {
		case line := <-s.out:
			if err := s.writeLine(w, line); err != nil {
				s.base.Debug("connection write failed", "error", err)
				// wakes the reader so the session moves to Closing
				s.conn.Close()
				return
			}
		case <-s.closing:
			for {
				select {
				case line := <-s.out:
					if s.writeLine(w, line) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeLine(w *bufio.Writer, line string) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.config.WriteTimeout))
	if _, err := w.WriteString(line + "\n"); err != nil {
		return err
	}
	return w.Flush()
}

// newScanner reads CR/LF terminated lines of at most MaxLineBytes.
func (s *Session) newScanner() *bufio.Scanner {
	limit := s.srv.config.MaxLineBytes
	sc := bufio.NewScanner(s.conn)
	sc.Buffer(make([]byte, 0, min(4096, limit)), limit)
	return sc
}

func (s *Session) readLine(sc *bufio.Scanner) (string, error) {
	if s.srv.config.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.srv.config.ReadTimeout))
	}

	if sc.Scan() {
		return sc.Text(), nil
	}
	err := sc.Err()
	if err == nil {
		return "", io.EOF
	}
	if errors.Is(err, bufio.ErrTooLong) {
		return "", fmt.Errorf("read: line longer than %d bytes: %w", s.srv.config.MaxLineBytes, err)
	}
	return "", fmt.Errorf("read: %w", err)
}
