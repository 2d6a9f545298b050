package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed      = errors.New("malformed command")
	ErrUnknownCommand = errors.New("unknown command")
)

const (
	TagRegister   = "REGISTER"
	TagGetUsers   = "GET_USERS"
	TagGetHistory = "GET_HISTORY"
	TagPrivate    = "PRIVATE"
	TagLogout     = "LOGOUT"

	TagSuccess         = "SUCCESS"
	TagFail            = "FAIL"
	TagRegisterSuccess = "REGISTER_SUCCESS"
	TagUsernameExists  = "USERNAME_EXISTS"
	TagRegisterFail    = "REGISTER_FAIL"
	TagUsers           = "USERS"
	TagOnline          = "ONLINE"
	TagOffline         = "OFFLINE"
	TagHistory         = "HISTORY"
)

// TimestampLayout is how history timestamps are rendered on the wire.
const TimestampLayout = "2006-01-02 15:04:05"

// Command is a client to server line. The set of implementations is closed.
type Command interface {
	Line() string
	command()
}

type Login struct {
	Username string
	Password string
}

type Register struct {
	Username string
	Password string
}

type GetUsers struct{}

type GetHistory struct {
	Peer string
}

type Private struct {
	Recipient string
	Content   string
}

type Logout struct{}

func (Login) command()      {}
func (Register) command()   {}
func (GetUsers) command()   {}
func (GetHistory) command() {}
func (Private) command()    {}
func (Logout) command()     {}

func (c Login) Line() string      { return c.Username + ":" + c.Password }
func (c Register) Line() string   { return TagRegister + ":" + c.Username + ":" + c.Password }
func (GetUsers) Line() string     { return TagGetUsers }
func (c GetHistory) Line() string { return TagGetHistory + ":" + c.Peer }
func (c Private) Line() string    { return TagPrivate + ":" + c.Recipient + ":" + c.Content }
func (Logout) Line() string       { return TagLogout }

// ParseCredentials classifies the first line of a connection as either a
// Login or a Register request. A REGISTER line with missing fields yields a
// Register value alongside ErrMalformed so the caller can answer with the
// registration failure rather than the login one.
func ParseCredentials(line string) (Command, error) {
	line = trimLine(line)

	if rest, ok := strings.CutPrefix(line, TagRegister+":"); ok {
		username, password, found := strings.Cut(rest, ":")
		if !found || username == "" || password == "" {
			return Register{}, fmt.Errorf("%w: registration needs username and password", ErrMalformed)
		}
		return Register{Username: username, Password: password}, nil
	}

	username, password, found := strings.Cut(line, ":")
	if !found || username == "" || password == "" {
		return Login{}, fmt.Errorf("%w: login needs username and password", ErrMalformed)
	}
	return Login{Username: username, Password: password}, nil
}

// ParseCommand decodes a line received from an authenticated session.
// Unrecognised tags fail closed with ErrUnknownCommand.
func ParseCommand(line string) (Command, error) {
	line = trimLine(line)

	tag, rest, hasArgs := strings.Cut(line, ":")
	switch tag {
	case TagGetUsers:
		if hasArgs {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, TagGetUsers)
		}
		return GetUsers{}, nil

	case TagLogout:
		if hasArgs {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, TagLogout)
		}
		return Logout{}, nil

	case TagGetHistory:
		if !hasArgs || rest == "" {
			return nil, fmt.Errorf("%w: %s needs a peer", ErrMalformed, TagGetHistory)
		}
		return GetHistory{Peer: rest}, nil

	case TagPrivate:
		// content may itself contain ':'
		recipient, content, found := strings.Cut(rest, ":")
		if !hasArgs || !found || recipient == "" || content == "" {
			return nil, fmt.Errorf("%w: %s needs recipient and content", ErrMalformed, TagPrivate)
		}
		return Private{Recipient: recipient, Content: content}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, tag)
}

func trimLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
