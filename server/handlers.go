package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/protocol"
)

func (s *Session) dispatch(ctx context.Context, cmd protocol.Command) {
	start := time.Now()

	var kind string
	switch c := cmd.(type) {
	case protocol.GetUsers:
		kind = "get_users"
		s.handleGetUsers(ctx)
	case protocol.GetHistory:
		kind = "get_history"
		s.handleGetHistory(ctx, c)
	case protocol.Private:
		kind = "private"
		s.handlePrivate(ctx, c)
	default:
		kind = "unexpected"
		s.logger.Warn("command not valid in active state", "command", fmt.Sprintf("%T", cmd))
	}

	CommandsTotal.WithLabelValues(kind).Inc()
	CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// handleRegister is the whole life of a registration connection: one
// request, one reply, then the connection closes.
func (s *Session) handleRegister(ctx context.Context, c protocol.Register, parseErr error) {
	if parseErr != nil {
		s.reject(protocol.RegisterFail, parseErr.Error())
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	err := s.srv.gateway.Register(callCtx, c.Username, c.Password)
	cancel()

	switch {
	case errors.Is(err, db.ErrUsernameExists):
		s.reject(protocol.UsernameExists, "username "+c.Username+" exists")
	case err != nil:
		GatewayErrorsTotal.WithLabelValues("register").Inc()
		s.logger.Error("registration failed", "username", c.Username, "error", err)
		s.reject(protocol.RegisterFail, "gateway error")
	default:
		s.setState(StateAuthenticated)
		AuthResultsTotal.WithLabelValues("registered").Inc()
		s.logger.Info("user registered", "username", c.Username)
		s.reply(protocol.RegisterSuccess)
	}
}

// handleGetUsers answers with the full roster, online or not.
func (s *Session) handleGetUsers(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	defer cancel()

	names, err := s.srv.gateway.AllUsernames(callCtx)
	if err != nil {
		GatewayErrorsTotal.WithLabelValues("all_usernames").Inc()
		s.logger.Error("roster lookup failed", "error", err)
		names = nil
	}
	s.reply(protocol.Users{Usernames: names})
}

func (s *Session) handleGetHistory(ctx context.Context, c protocol.GetHistory) {
	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	defer cancel()

	entries, err := s.srv.gateway.History(callCtx, s.username, c.Peer)
	if err != nil {
		GatewayErrorsTotal.WithLabelValues("history").Inc()
		s.logger.Error("history lookup failed", "peer", c.Peer, "error", err)
		entries = nil
	}

	h := protocol.History{Entries: make([]protocol.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		h.Entries = append(h.Entries, protocol.HistoryEntry{
			Sender:    e.Sender,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	s.reply(h)
	s.logger.Debug("history sent", "peer", c.Peer, "entries", len(h.Entries))
}

// handlePrivate stores the message and, independently, tries live delivery.
// A failed save does not stop delivery. A sender over its message rate still
// has the message stored; only the live push is skipped.
func (s *Session) handlePrivate(ctx context.Context, c protocol.Private) {
	msg := models.Message{
		Sender:    s.username,
		Recipient: c.Recipient,
		Content:   c.Content,
		Timestamp: time.Now().UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, s.srv.config.GatewayTimeout)
	if err := s.srv.gateway.SaveMessage(callCtx, msg); err != nil {
		GatewayErrorsTotal.WithLabelValues("save_message").Inc()
		s.logger.Error("message not persisted", "recipient", c.Recipient, "error", err)
	}
	cancel()

	if s.limiter != nil && !s.limiter.Allow() {
		RoutedMessagesTotal.WithLabelValues("rate_limited").Inc()
		s.logger.Warn("message rate exceeded, skipping live delivery", "recipient", c.Recipient)
		return
	}

	result := s.srv.router.Route(msg.Sender, msg.Recipient, msg.Content)
	RoutedMessagesTotal.WithLabelValues(result.String()).Inc()
	s.logger.Debug("private message", "recipient", c.Recipient, "result", result.String())
}
