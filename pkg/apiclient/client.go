// Package apiclient talks to a running supervisor's HTTP API and event
// stream.
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
)

// APIError is a non-2xx response from the supervisor.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("supervisor returned %d", e.Status)
	}
	return fmt.Sprintf("supervisor returned %d: %s", e.Status, e.Message)
}

// NotFound reports whether the bot did not exist.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

type errorBody struct {
	Error string `json:"error"`
}

// Client is a supervisor API client.
type Client struct {
	base string
	http *resty.Client
}

// New returns a client for the supervisor listening at addr, which may be
// host:port or a full http URL.
func New(addr string) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetError(&errorBody{})
	return &Client{base: base, http: c}
}

// BaseURL returns the HTTP base URL.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("call supervisor: %w", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		apiErr.Message = body.Error
	}
	return apiErr
}

// Health checks that the supervisor is up.
func (c *Client) Health(ctx context.Context) error {
	return check(c.request(ctx).Get("/healthz"))
}

// List returns every configured bot.
func (c *Client) List(ctx context.Context) ([]protocol.BotView, error) {
	var views []protocol.BotView
	if err := check(c.request(ctx).SetResult(&views).Get("/api/bots")); err != nil {
		return nil, err
	}
	return views, nil
}

// Add creates a bot and returns its view.
func (c *Client) Add(ctx context.Context, cfg protocol.BotConfig) (protocol.BotView, error) {
	var view protocol.BotView
	err := check(c.request(ctx).SetBody(cfg).SetResult(&view).Post("/api/bots"))
	return view, err
}

// Remove deletes a bot, stopping it first.
func (c *Client) Remove(ctx context.Context, id string) error {
	return check(c.request(ctx).Delete(botPath(id, "")))
}

// Start starts a bot.
func (c *Client) Start(ctx context.Context, id string) error {
	return check(c.request(ctx).Post(botPath(id, "/start")))
}

// Stop stops a bot.
func (c *Client) Stop(ctx context.Context, id string) error {
	return check(c.request(ctx).Post(botPath(id, "/stop")))
}

// Login replays the bot's stored credential.
func (c *Client) Login(ctx context.Context, id string) error {
	return check(c.request(ctx).Post(botPath(id, "/login")))
}

// Command sends text over the bot's session.
func (c *Client) Command(ctx context.Context, id, text string) error {
	return check(c.request(ctx).SetBody(map[string]string{"cmd": text}).Post(botPath(id, "/command")))
}

// SolveCaptcha sends a captcha answer.
func (c *Client) SolveCaptcha(ctx context.Context, id, code string) error {
	return check(c.request(ctx).SetBody(map[string]string{"code": code}).Post(botPath(id, "/captcha")))
}

func botPath(id, suffix string) string {
	return "/api/bots/" + url.PathEscape(id) + suffix
}

// Stream is a live connection to the supervisor's event stream.
type Stream struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Subscribe opens the event stream. The first event is always a snapshot.
func (c *Client) Subscribe(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", u, err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next event.
func (s *Stream) Next() (fanout.Event, error) {
	var ev fanout.Event
	if err := s.conn.ReadJSON(&ev); err != nil {
		return fanout.Event{}, fmt.Errorf("read event: %w", err)
	}
	return ev, nil
}

// Send issues an action over the stream. Failures come back as error
// events.
func (s *Stream) Send(a fanout.Action) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(a); err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	return nil
}

// Close closes the stream.
func (s *Stream) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}
