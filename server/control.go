package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"chatrelay/db"
	"chatrelay/protocol"
)

// ServeControl listens on a unix socket for management commands until the
// server shuts down. Commands are one line each: "stats", "user <name>" or
// "shutdown".
func (s *Server) ServeControl(path string) error {
	// stale socket from a previous run
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	go func() {
		<-s.ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("control accept failed", "error", err)
			continue
		}

		go s.handleControlCommand(conn)
	}
}

func (s *Server) handleControlCommand(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	fields := strings.Fields(line)
	cmd := ""
	if len(fields) > 0 {
		cmd = fields[0]
	}

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "user":
		if len(fields) != 2 {
			conn.Write([]byte("ERROR|Usage: user <name>\n"))
			return
		}
		conn.Write([]byte(s.userInfo(fields[1]) + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		s.logger.Info("shutdown requested over control socket")
		go s.Shutdown()

	default:
		s.logger.Warn("unknown control command", "command", cmd)
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// userInfo reports whether a registered user is online and when it last came
// and went.
func (s *Server) userInfo(username string) string {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.GatewayTimeout)
	u, err := s.gateway.GetUser(ctx, username)
	cancel()

	if errors.Is(err, db.ErrNoRows) {
		return "ERROR|Unknown user"
	}
	if err != nil {
		GatewayErrorsTotal.WithLabelValues("get_user").Inc()
		s.logger.Error("user lookup failed", "username", username, "error", err)
		return "ERROR|Lookup failed"
	}

	return "OK|username=" + u.Username +
		",online=" + strconv.FormatBool(s.Online(u.Username)) +
		",last_online=" + formatSeen(u.LastOnline) +
		",last_offline=" + formatSeen(u.LastOffline)
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(protocol.TimestampLayout)
}
