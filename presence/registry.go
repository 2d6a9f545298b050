// Package presence tracks which users are reachable and routes live
// traffic to them.
package presence

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrAlreadyOnline = errors.New("user already online")
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("outbound queue full")
)

// Peer is the registry's view of a live session: something with a name that
// accepts outbound lines. Send must not block on the network.
type Peer interface {
	Username() string
	Send(line string) error
}

// Registry maps usernames to the one live session representing each. It holds
// lookup references only; sessions own their connections and teardown.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register adds p under username unless the name is already taken.
func (r *Registry) Register(username string, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[username]; ok {
		return ErrAlreadyOnline
	}
	r.peers[username] = p
	return nil
}

// Replace installs p under username and returns the peer it displaced, if any.
func (r *Registry) Replace(username string, p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.peers[username]
	r.peers[username] = p
	return prev
}

// Unregister removes username only while it still maps to p, so a session
// that lost its name to a newer login cannot evict its replacement.
func (r *Registry) Unregister(username string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[username]; !ok || cur != p {
		return false
	}
	delete(r.peers, username)
	return true
}

func (r *Registry) Lookup(username string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[username]
	return p, ok
}

// SnapshotUsernames returns the online usernames in sorted order.
func (r *Registry) SnapshotUsernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.peers))
	for name := range r.peers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// SnapshotOthers copies every registered peer except the one for username.
func (r *Registry) SnapshotOthers(username string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for name, p := range r.peers {
		if name != username {
			peers = append(peers, p)
		}
	}
	return peers
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
