package presence

import (
	"log/slog"

	"chatrelay/protocol"
)

type Result int

const (
	Delivered Result = iota
	RecipientOffline
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case RecipientOffline:
		return "recipient-offline"
	}
	return "unknown"
}

// Router delivers private messages and presence changes to live sessions.
// It never persists anything and never sends while holding the registry lock.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, logger: logger}
}

func (rt *Router) Registry() *Registry {
	return rt.registry
}

// Route pushes a PRIVATE event to recipient if it is online. A recipient that
// refuses the line (closing, or its queue is full) counts as offline; the
// caller has already stored the message.
func (rt *Router) Route(sender, recipient, content string) Result {
	peer, ok := rt.registry.Lookup(recipient)
	if !ok {
		return RecipientOffline
	}

	line := protocol.PrivateMessage{Sender: sender, Content: content}.Line()
	if err := peer.Send(line); err != nil {
		rt.logger.Warn("private message not delivered",
			"sender", sender,
			"recipient", recipient,
			"error", err)
		return RecipientOffline
	}
	return Delivered
}

// BroadcastPresence tells every other registered session that username went
// online or offline and reports how many accepted the event. A failure for
// one recipient is logged and does not stop the rest.
func (rt *Router) BroadcastPresence(username string, online bool) int {
	peers := rt.registry.SnapshotOthers(username)
	line := protocol.Presence{Username: username, Online: online}.Line()

	sent := 0
	for _, p := range peers {
		if err := p.Send(line); err != nil {
			rt.logger.Warn("presence event not delivered",
				"username", username,
				"recipient", p.Username(),
				"online", online,
				"error", err)
			continue
		}
		sent++
	}
	return sent
}
