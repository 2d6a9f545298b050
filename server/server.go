package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/models"
	"chatrelay/presence"

	"golang.org/x/time/rate"
)

// Gateway is the durable store the relay depends on. Every call may fail;
// failures are logged and answered with an empty or failure reply.
type Gateway interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	Register(ctx context.Context, username, password string) error
	AllUsernames(ctx context.Context) ([]string, error)
	SaveMessage(ctx context.Context, m models.Message) error
	History(ctx context.Context, a, b string) ([]models.HistoryEntry, error)
	UpdateLastOnline(ctx context.Context, username string, t time.Time) error
	UpdateLastOffline(ctx context.Context, username string, t time.Time) error
	GetUser(ctx context.Context, username string) (models.User, error)
}

type ServerConfig struct {
	Addr          string
	ReadTimeout   time.Duration // 0 disables the idle deadline
	WriteTimeout  time.Duration
	OutboundQueue int
	MaxLineBytes  int        // longer lines close the connection
	MessageRate   rate.Limit // 0 disables flood control
	MessageBurst  int
	// RejectDuplicateLogin refuses a login for a username that is already
	// online. By default the newer session replaces the older one.
	RejectDuplicateLogin bool
	GatewayTimeout       time.Duration
}

type Server struct {
	gateway  Gateway
	config   *ServerConfig
	logger   *slog.Logger
	registry *presence.Registry
	router   *presence.Router

	// presenceMu orders registry changes with their ONLINE/OFFLINE
	// broadcast, so peers see one username's events in registry order.
	presenceMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	listener     net.Listener
	closed       atomic.Bool
	shutdownDone chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session // every live connection, keyed by conn id
	wg       sync.WaitGroup
}

func New(gateway Gateway, config *ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.OutboundQueue <= 0 {
		config.OutboundQueue = 256
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = 64 * 1024
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = 5 * time.Second
	}

	registry := presence.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		gateway:  gateway,
		config:   config,
		logger:   logger,
		registry: registry,
		router:   presence.NewRouter(registry, logger),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
		sessions:     make(map[string]*Session),
	}
}

// Listen binds the chat address. A failure here is fatal for startup.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("chat relay listening", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections until the listener is closed. Errors on a single
// accept are logged and the loop continues.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Addr reports the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConnection(conn net.Conn) {
	session := newSession(s, conn)
	s.track(session)
	defer s.untrack(session)

	session.Run(s.ctx)
}

func (s *Server) track(session *Session) {
	s.mu.Lock()
	s.sessions[session.ID] = session
	n := len(s.sessions)
	closed := s.closed.Load()
	s.mu.Unlock()
	OpenConnections.Set(float64(n))

	// Shutdown already took its snapshot of sessions
	if closed {
		session.Kick("shutdown")
	}
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	n := len(s.sessions)
	s.mu.Unlock()
	OpenConnections.Set(float64(n))
}

// Shutdown stops accepting, forces every session through its normal
// teardown and waits for them to finish. Concurrent callers all return once
// the first one completes.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		<-s.shutdownDone
		return
	}
	s.closed.Store(true)
	s.mu.Unlock()

	s.logger.Info("shutting down")
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Kick("shutdown")
	}

	s.wg.Wait()
	s.cancel()
	close(s.shutdownDone)
	s.logger.Info("shutdown complete")
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.Lock()
	connections := len(s.sessions)
	s.mu.Unlock()

	users := s.registry.SnapshotUsernames()
	return "connections=" + strconv.Itoa(connections) + ",users=" + strings.Join(users, ";")
}

// Online reports whether username currently has an active session.
func (s *Server) Online(username string) bool {
	_, ok := s.registry.Lookup(username)
	return ok
}
