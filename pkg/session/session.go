// Package session defines the capability a worker needs from a remote
// session: open a connection, receive classified events, send text.
package session

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"botfleet/pkg/protocol"
)

// EventKind identifies a session event.
type EventKind int

// Session event kinds.
const (
	// EventReady means the session is established and usable.
	EventReady EventKind = iota + 1
	// EventText carries inbound text on a channel.
	EventText
	// EventKicked means the server closed the session with a reason.
	EventKicked
	// EventError means the transport failed.
	EventError
	// EventEnded means the session closed normally.
	EventEnded
	// EventMalformed carries an inbound frame that could not be decoded.
	// The session itself stays up.
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventText:
		return "text"
	case EventKicked:
		return "kicked"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	case EventMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Event is one notification from a Client.
type Event struct {
	Kind    EventKind
	Text    string           // EventText
	Channel protocol.Channel // EventText
	Reason  string           // EventKicked
	Err     error            // EventError, EventMalformed
}

// Terminal reports whether the event ends the session.
func (e Event) Terminal() bool {
	return e.Kind == EventKicked || e.Kind == EventError || e.Kind == EventEnded
}

// Target describes where and as whom to connect.
type Target struct {
	Host             string
	Port             int
	Username         string
	LocalBindAddress string
}

// TargetFor builds a Target from a bot config.
func TargetFor(cfg protocol.BotConfig) Target {
	return Target{
		Host:             cfg.ServerHost,
		Port:             cfg.ServerPort,
		Username:         cfg.Username,
		LocalBindAddress: cfg.LocalBindAddress,
	}
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// LocalAddr resolves the optional bind address for outgoing connections.
func (t Target) LocalAddr() (*net.TCPAddr, error) {
	if t.LocalBindAddress == "" {
		return nil, nil //nolint:nilnil // no bind address configured
	}
	ip := net.ParseIP(t.LocalBindAddress)
	if ip == nil {
		return nil, fmt.Errorf("invalid local bind address %q", t.LocalBindAddress)
	}
	return &net.TCPAddr{IP: ip}, nil
}

// Client is an open session. Events is closed after the terminal event (or
// after Close); events after Close are not guaranteed.
type Client interface {
	Events() <-chan Event
	Send(text string) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Client, error)
}
