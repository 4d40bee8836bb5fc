// Package sessiontest provides a scriptable in-memory session.Dialer.
package sessiontest

import (
	"context"
	"errors"
	"sync"

	"botfleet/pkg/protocol"
	"botfleet/pkg/session"
)

// ErrClosed is returned by Send on a closed Client.
var ErrClosed = errors.New("session closed")

// Dialer hands out fake Clients. OnDial, when set, runs after each
// successful dial with the 1-based dial number and may emit events.
type Dialer struct {
	// OnDial scripts the behaviour of each new client.
	OnDial func(n int, c *Client)
	// FailDial, when set, can refuse the n-th dial.
	FailDial func(n int) error

	mu      sync.Mutex
	targets []session.Target
	clients []*Client
	dialed  chan int
}

// NewDialer returns a Dialer with no scripted behaviour.
func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan int, 64)}
}

// Dial records the target and returns a new Client.
func (d *Dialer) Dial(_ context.Context, target session.Target) (session.Client, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	n := len(d.targets)
	fail := d.FailDial
	d.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			d.notify(n)
			return nil, err
		}
	}

	c := newClient()
	d.mu.Lock()
	d.clients = append(d.clients, c)
	onDial := d.OnDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(n, c)
	}
	d.notify(n)
	return c, nil
}

func (d *Dialer) notify(n int) {
	select {
	case d.dialed <- n:
	default:
	}
}

// Dialed receives the dial number after each Dial call.
func (d *Dialer) Dialed() <-chan int { return d.dialed }

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

// Targets returns the targets dialled so far.
func (d *Dialer) Targets() []session.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]session.Target(nil), d.targets...)
}

// Clients returns every Client created so far, oldest first.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Last returns the most recently created Client, or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// Client is a fake session.Client. Tests drive it with the Emit helpers.
type Client struct {
	// OnSend, when set, is called for every Send before it is recorded.
	OnSend func(text string)

	events chan session.Event

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newClient() *Client {
	return &Client{events: make(chan session.Event, 64)}
}

// Events implements session.Client.
func (c *Client) Events() <-chan session.Event { return c.events }

// Send implements session.Client.
func (c *Client) Send(text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	hook := c.OnSend
	c.mu.Unlock()

	if hook != nil {
		hook(text)
	}

	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return nil
}

// Close implements session.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the texts sent so far.
func (c *Client) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Emit delivers ev unless the client is closed.
func (c *Client) Emit(ev session.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Ready emits EventReady.
func (c *Client) Ready() { c.Emit(session.Event{Kind: session.EventReady}) }

// Say emits inbound text on ch.
func (c *Client) Say(ch protocol.Channel, text string) {
	c.Emit(session.Event{Kind: session.EventText, Channel: ch, Text: text})
}

// Kick emits EventKicked with reason.
func (c *Client) Kick(reason string) {
	c.Emit(session.Event{Kind: session.EventKicked, Reason: reason})
}

// Fail emits EventError.
func (c *Client) Fail(err error) { c.Emit(session.Event{Kind: session.EventError, Err: err}) }

// End emits EventEnded.
func (c *Client) End() { c.Emit(session.Event{Kind: session.EventEnded}) }
