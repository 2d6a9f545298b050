package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Event is a server to client line.
type Event interface {
	Line() string
	event()
}

// Status is a bare single-word reply such as SUCCESS or USERNAME_EXISTS.
type Status string

const (
	Success         Status = TagSuccess
	Fail            Status = TagFail
	RegisterSuccess Status = TagRegisterSuccess
	UsernameExists  Status = TagUsernameExists
	RegisterFail    Status = TagRegisterFail
)

type Users struct {
	Usernames []string
}

type Presence struct {
	Username string
	Online   bool
}

type HistoryEntry struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

type History struct {
	Entries []HistoryEntry
}

// PrivateMessage is pushed to a recipient when a peer messages it.
type PrivateMessage struct {
	Sender  string
	Content string
}

func (Status) event()         {}
func (Users) event()          {}
func (Presence) event()       {}
func (History) event()        {}
func (PrivateMessage) event() {}

func (s Status) Line() string { return string(s) }

func (u Users) Line() string {
	return TagUsers + ":" + strings.Join(u.Usernames, ",")
}

func (p Presence) Line() string {
	if p.Online {
		return TagOnline + ":" + p.Username
	}
	return TagOffline + ":" + p.Username
}

func (h History) Line() string {
	items := make([]string, 0, len(h.Entries))
	for _, e := range h.Entries {
		items = append(items, e.Sender+":"+e.Content+":"+e.Timestamp.Format(TimestampLayout))
	}
	return TagHistory + ":" + strings.Join(items, "|")
}

func (m PrivateMessage) Line() string {
	return TagPrivate + ":" + m.Sender + ":" + m.Content
}

// ParseEvent decodes a server line, the client-side counterpart of
// Event.Line.
func ParseEvent(line string) (Event, error) {
	line = trimLine(line)

	switch Status(line) {
	case Success, Fail, RegisterSuccess, UsernameExists, RegisterFail:
		return Status(line), nil
	}

	tag, rest, hasArgs := strings.Cut(line, ":")
	if !hasArgs {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}

	switch tag {
	case TagUsers:
		if rest == "" {
			return Users{}, nil
		}
		return Users{Usernames: strings.Split(rest, ",")}, nil

	case TagOnline, TagOffline:
		if rest == "" {
			return nil, fmt.Errorf("%w: %s needs a username", ErrMalformed, tag)
		}
		return Presence{Username: rest, Online: tag == TagOnline}, nil

	case TagPrivate:
		sender, content, found := strings.Cut(rest, ":")
		if !found || sender == "" {
			return nil, fmt.Errorf("%w: %s needs sender and content", ErrMalformed, tag)
		}
		return PrivateMessage{Sender: sender, Content: content}, nil

	case TagHistory:
		return parseHistory(rest)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tag)
}

// parseHistory splits sender off the front and the fixed-width timestamp off
// the back of each entry, leaving whatever is in between as content.
func parseHistory(s string) (History, error) {
	var h History
	if s == "" {
		return h, nil
	}

	suffix := len(TimestampLayout) + 1
	for _, item := range strings.Split(s, "|") {
		sender, rest, found := strings.Cut(item, ":")
		if !found || len(rest) < suffix || rest[len(rest)-suffix] != ':' {
			return History{}, fmt.Errorf("%w: history entry %q", ErrMalformed, item)
		}
		ts, err := time.Parse(TimestampLayout, rest[len(rest)-suffix+1:])
		if err != nil {
			return History{}, fmt.Errorf("%w: history timestamp: %v", ErrMalformed, err)
		}
		h.Entries = append(h.Entries, HistoryEntry{
			Sender:    sender,
			Content:   rest[:len(rest)-suffix],
			Timestamp: ts,
		})
	}
	return h, nil
}
