package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"botfleet/pkg/configstore"
	"botfleet/pkg/protocol"
)

// Controller is the fleet API the server exposes.
type Controller interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	SendCommand(ctx context.Context, id, text string) error
	Login(ctx context.Context, id string) error
	Add(ctx context.Context, cfg protocol.BotConfig) (protocol.BotView, error)
	Remove(ctx context.Context, id string) error
	Snapshot(ctx context.Context) ([]protocol.BotView, error)
}

// Inbound websocket actions.
const (
	ActionStart        = "start"
	ActionStop         = "stop"
	ActionSendCommand  = "sendCommand"
	ActionLogin        = "login"
	ActionSolveCaptcha = "solveCaptcha"
	ActionRemove       = "remove"
)

// Action is a command frame sent by a websocket client.
type Action struct {
	Action string `json:"action"`
	BotID  string `json:"botId"`
	Cmd    string `json:"cmd,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Controller Controller
	Hub        *Hub
	Logger     logrus.FieldLogger

	// UptimeInterval is the period of bot:uptime events. Defaults to 1s.
	UptimeInterval time.Duration
	// Buffer is the per-client event buffer. Defaults to 256.
	Buffer int
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.UptimeInterval <= 0 {
		c.UptimeInterval = time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// Server is the observer-facing HTTP API and event stream.
type Server struct {
	cfg      ServerConfig
	ctrl     Controller
	hub      *Hub
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:  cfg,
		ctrl: cfg.Controller,
		hub:  cfg.Hub,
		log:  cfg.Logger.WithField("component", "fanout"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Observers connect from local tools and the dashboard.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ws", s.handleStream)

	bots := r.Group("/api/bots")
	bots.GET("", s.handleList)
	bots.POST("", s.handleAdd)
	botID := bots.Group("/:id")
	botID.DELETE("", s.handleRemove)
	botID.POST("/start", s.handleStart)
	botID.POST("/stop", s.handleStop)
	botID.POST("/login", s.handleLogin)
	botID.POST("/command", s.handleCommand)
	botID.POST("/captcha", s.handleCaptcha)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, streaming uptime
// events meanwhile.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.RunUptime(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("api listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// RunUptime publishes bot:uptime for every online bot each interval while
// anyone is subscribed.
func (s *Server) RunUptime(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UptimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Subscribers() == 0 {
				continue
			}
			views, err := s.ctrl.Snapshot(ctx)
			if err != nil {
				continue
			}
			for _, v := range views {
				if v.Status.State == protocol.StateOnline {
					s.hub.Publish(Event{Type: EventUptime, BotID: v.ID, Uptime: v.Uptime})
				}
			}
		}
	}
}

func (s *Server) handleList(c *gin.Context) {
	views, err := s.ctrl.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if views == nil {
		views = []protocol.BotView{}
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleAdd(c *gin.Context) {
	var cfg protocol.BotConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot config: " + err.Error()})
		return
	}
	view, err := s.ctrl.Add(c.Request.Context(), cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleRemove(c *gin.Context) {
	s.respond(c, s.ctrl.Remove(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleStart(c *gin.Context) {
	s.respond(c, s.ctrl.Start(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleStop(c *gin.Context) {
	s.respond(c, s.ctrl.Stop(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleLogin(c *gin.Context) {
	s.respond(c, s.ctrl.Login(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleCommand(c *gin.Context) {
	var body struct {
		Cmd string `json:"cmd" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cmd is required"})
		return
	}
	s.respond(c, s.ctrl.SendCommand(c.Request.Context(), c.Param("id"), body.Cmd))
}

func (s *Server) handleCaptcha(c *gin.Context) {
	var body struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	s.respond(c, s.ctrl.SendCommand(c.Request.Context(), c.Param("id"), body.Code))
}

func (s *Server) respond(c *gin.Context, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// StatusCode maps a fleet error to its HTTP status.
func StatusCode(err error) int {
	var (
		notFound   *protocol.BotNotFoundError
		notRunning *protocol.BotNotRunningError
		invalid    *protocol.InvalidConfigError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &notRunning), errors.Is(err, configstore.ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrLineTooLong):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// handleStream upgrades to a websocket, sends the snapshot and recent log
// history, then streams hub events. Inbound frames are Actions.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no event falls in between.
	sub := s.hub.Subscribe(s.cfg.Buffer)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	views, err := s.ctrl.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("snapshot for stream")
		return
	}
	backlog := []Event{SnapshotEvent(views)}
	for _, v := range views {
		for _, line := range s.hub.RecentLogs(v.ID) {
			l := line
			backlog = append(backlog, Event{Type: EventLog, BotID: v.ID, Log: &l})
		}
	}

	replies := make(chan Event, 16)
	go s.readActions(ctx, cancel, conn, replies)

	for _, ev := range backlog {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			ev = e
		case ev = <-replies:
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// readActions handles inbound frames until the connection fails, then
// cancels the stream. Errors go back to this client only.
func (s *Server) readActions(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- Event) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var a Action
		if err := json.Unmarshal(data, &a); err != nil {
			s.reply(ctx, replies, "invalid action frame: "+err.Error())
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.dispatch(ctx, a); err != nil {
			s.reply(ctx, replies, err.Error())
		}
	}
}

func (s *Server) reply(ctx context.Context, replies chan<- Event, msg string) {
	select {
	case replies <- Event{Type: EventError, Message: msg}:
	case <-ctx.Done():
	}
}

func (s *Server) dispatch(ctx context.Context, a Action) error {
	if a.BotID == "" {
		return fmt.Errorf("%s: botId is required", a.Action)
	}
	switch a.Action {
	case ActionStart:
		return s.ctrl.Start(ctx, a.BotID)
	case ActionStop:
		return s.ctrl.Stop(ctx, a.BotID)
	case ActionSendCommand, ActionSolveCaptcha:
		if a.Cmd == "" {
			return fmt.Errorf("%s: cmd is required", a.Action)
		}
		return s.ctrl.SendCommand(ctx, a.BotID, a.Cmd)
	case ActionLogin:
		return s.ctrl.Login(ctx, a.BotID)
	case ActionRemove:
		return s.ctrl.Remove(ctx, a.BotID)
	default:
		return fmt.Errorf("unknown action %q", a.Action)
	}
}
