package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botfleet/pkg/protocol"
)

// Defaults for WSDialer.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPath             = "/session"
	writeTimeout            = 10 * time.Second
)

// CloseKicked is the close code a server uses to kick a client; the close
// text is the reason.
const CloseKicked = 4000

// WSDialer opens sessions over websocket.
//
// Frames from the server are either plain text (chat) or JSON objects of the
// form {"type":"chat|system|action_bar|whisper","text":"..."} or
// {"type":"kick","reason":"..."}.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Path             string
	Scheme           string // "ws" or "wss"
	// ReadLimit caps an inbound frame; a larger frame fails the session.
	// Defaults to protocol.MaxFrameBytes.
	ReadLimit int64
}

// Dial connects to target, binding to its local address when set.
func (d *WSDialer) Dial(ctx context.Context, target Target) (Client, error) {
	local, err := target.LocalAddr()
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout}
	if local != nil {
		netDialer.LocalAddr = local
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   netDialer.DialContext,
	}

	scheme := d.Scheme
	if scheme == "" {
		scheme = "ws"
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     target.Addr(),
		Path:     path,
		RawQuery: url.Values{"username": {target.Username}}.Encode(),
	}

	header := http.Header{}
	header.Set("X-Username", target.Username)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = protocol.MaxFrameBytes
	}
	conn.SetReadLimit(limit)

	c := &wsClient{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type wsClient struct {
	conn    *websocket.Conn
	events  chan Event
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

type wsFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (c *wsClient) Events() <-chan Event { return c.events }

func (c *wsClient) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "quit"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsClient) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsClient) readLoop() {
	defer close(c.events)

	if !c.emit(Event{Kind: EventReady}) {
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.emit(classifyReadError(err))
			return
		}
		ev, ok := decodeFrame(data)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
		if ev.Terminal() {
			_ = c.conn.Close()
			return
		}
	}
}

func classifyReadError(err error) Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseKicked:
			return Event{Kind: EventKicked, Reason: ce.Text}
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return Event{Kind: EventEnded}
		}
	}
	return Event{Kind: EventError, Err: err}
}

// decodeFrame converts one server frame into an event. Empty frames yield
// ok == false.
func decodeFrame(data []byte) (Event, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Event{}, false
	}
	if trimmed[0] != '{' {
		return Event{Kind: EventText, Channel: protocol.ChannelChat, Text: string(trimmed)}, true
	}

	var f wsFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Event{Kind: EventMalformed, Err: &protocol.MalformedMessageError{Raw: string(trimmed), Reason: err}}, true
	}
	switch f.Type {
	case "kick":
		return Event{Kind: EventKicked, Reason: f.Reason}, true
	case "chat", "":
		return Event{Kind: EventText, Channel: protocol.ChannelChat, Text: f.Text}, true
	case "system":
		return Event{Kind: EventText, Channel: protocol.ChannelSystem, Text: f.Text}, true
	case "action_bar":
		return Event{Kind: EventText, Channel: protocol.ChannelActionBar, Text: f.Text}, true
	case "whisper":
		return Event{Kind: EventText, Channel: protocol.ChannelWhisper, Text: f.Text}, true
	default:
		return Event{Kind: EventMalformed, Err: &protocol.MalformedMessageError{
			Raw:    string(trimmed),
			Reason: fmt.Errorf("unknown frame type %q", f.Type),
		}}, true
	}
}
