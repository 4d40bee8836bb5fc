// Package worker implements the per-bot session retry engine that runs inside
// a worker process. It receives control messages from the supervisor, owns one
// remote session at a time, reconnects a bounded number of times, and reports
// status transitions and log lines back over the control channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"botfleet/internal/logging"
	"botfleet/pkg/botlog"
	"botfleet/pkg/protocol"
	"botfleet/pkg/schedule"
	"botfleet/pkg/session"
)

// ErrControlClosed is returned by Run when the control channel closes
// without a STOP, which means the supervisor went away.
var ErrControlClosed = errors.New("control channel closed")

// Sender delivers control messages to the supervisor.
type Sender interface {
	Send(msg protocol.Message) error
}

// LogSink persists log lines locally.
type LogSink interface {
	Write(ch protocol.Channel, line string) error
	Close() error
}

// Config configures an Engine.
type Config struct {
	Dialer session.Dialer
	Out    Sender
	Logger logrus.FieldLogger

	MaxReconnectAttempts int
	LoginDelay           time.Duration
	ReloginDelay         time.Duration
	ChallengeKeywords    []string
	LoginPrompts         []string

	// MaxLogLine clips reported and written log lines.
	MaxLogLine int

	// OpenLog opens the bot's local log files. Defaults to botlog.Open under
	// settings.LogsDir; no files are written when LogsDir is empty.
	OpenLog func(botID string, settings protocol.WorkerSettings) (LogSink, error)

	// Now is the clock used for session start times.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = protocol.MaxReconnectAttempts
	}
	if c.LoginDelay <= 0 {
		c.LoginDelay = protocol.LoginDelay
	}
	if c.ReloginDelay <= 0 {
		c.ReloginDelay = protocol.ReloginDelay
	}
	if c.ChallengeKeywords == nil {
		c.ChallengeKeywords = protocol.ChallengeKeywords
	}
	if c.LoginPrompts == nil {
		c.LoginPrompts = protocol.LoginPrompts
	}
	if c.MaxLogLine <= 0 {
		c.MaxLogLine = protocol.MaxLogLineBytes
	}
	if c.OpenLog == nil {
		c.OpenLog = openFileLog
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

func openFileLog(botID string, settings protocol.WorkerSettings) (LogSink, error) {
	if settings.LogsDir == "" {
		return nil, nil //nolint:nilnil // file logging disabled
	}
	return botlog.Open(settings.LogsDir, botID, settings.Location())
}

// Engine is the session retry engine. All state is owned by the goroutine
// running Run; session and dial goroutines only forward into it.
type Engine struct {
	cfg   Config
	sched *schedule.Scheduler

	dials  chan dialResult
	events chan sessionEvent
	done   chan struct{}
	ctx    context.Context

	bot      *protocol.BotConfig
	settings protocol.WorkerSettings
	status   protocol.BotStatus
	logs     LogSink

	client     session.Client
	gen        uint64 // bumped on every teardown; events from older sessions are dropped
	dialCancel context.CancelFunc
	attempts   int

	reconnectTask schedule.TaskID
	loginTasks    []schedule.TaskID

	finished bool
}

type dialResult struct {
	gen    uint64
	client session.Client
	err    error
}

type sessionEvent struct {
	gen uint64
	ev  session.Event
}

// New creates an Engine. cfg.Dialer and cfg.Out are required.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		sched:  schedule.New(),
		dials:  make(chan dialResult),
		events: make(chan sessionEvent),
		done:   make(chan struct{}),
		status: protocol.BotStatus{State: protocol.StateOffline},
	}
}

// Status returns the current status. It is only safe to call after Run
// returns or from tests that synchronise through the Sender.
func (e *Engine) Status() protocol.BotStatus { return e.status }

// Run processes control messages from in until STOP, until the reconnect
// budget is exhausted, or until ctx is cancelled. It returns nil in all of
// those cases and ErrControlClosed if in is closed first.
func (e *Engine) Run(ctx context.Context, in <-chan protocol.Message) error {
	e.ctx = ctx
	defer close(e.done)
	defer e.sched.Close()
	defer e.closeLogs()

	for !e.finished {
		select {
		case <-ctx.Done():
			e.terminate("Worker terminated.")
			return nil

		case msg, ok := <-in:
			if !ok {
				e.teardown()
				return ErrControlClosed
			}
			e.handleControl(msg)

		case r := <-e.dials:
			e.handleDial(r)

		case se := <-e.events:
			e.handleSession(se)

		case id := <-e.sched.Fired():
			e.sched.Run(id)
		}
	}
	return nil
}

func (e *Engine) handleControl(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgStart:
		e.onStart(msg.Start)
	case protocol.MsgStop:
		e.terminate("Stopped by user.")
	case protocol.MsgCommand:
		e.onCommand(msg.Command.Text)
	default:
		e.reportError(fmt.Errorf("unexpected control message %s", msg.Type))
	}
}

func (e *Engine) onStart(p *protocol.StartPayload) {
	if e.bot != nil && (e.client != nil || e.dialCancel != nil || e.sched.Pending(e.reconnectTask)) {
		e.reportError(fmt.Errorf("bot %s: session already active, START ignored", e.bot.ID))
		return
	}

	cfg := p.Bot
	e.bot = &cfg
	e.settings = p.Settings
	e.cfg.Logger = e.cfg.Logger.WithField("bot", cfg.ID)

	if e.logs == nil {
		sink, err := e.cfg.OpenLog(cfg.ID, p.Settings)
		if err != nil {
			e.cfg.Logger.WithError(err).Warn("file logging disabled")
			e.reportError(fmt.Errorf("open log files: %w", err))
		} else if sink != nil {
			e.logs = sink
		}
	}

	e.attempts = 0
	e.connect()
}

// connect starts an asynchronous dial for a fresh session.
func (e *Engine) connect() {
	e.reconnectTask = 0
	target := session.TargetFor(*e.bot)

	e.log(protocol.ChannelConsole, fmt.Sprintf("Connecting to %s as %s...", target.Addr(), target.Username))
	e.setStatus(protocol.StateConnecting, "Connecting... "+target.Host, nil)
	if target.LocalBindAddress != "" {
		e.log(protocol.ChannelConsole, "Using local address "+target.LocalBindAddress)
	} else {
		e.log(protocol.ChannelConsole, "Using default local address")
	}

	e.gen++
	gen := e.gen
	dialCtx, cancel := context.WithCancel(e.ctx)
	e.dialCancel = cancel

	go func() {
		c, err := e.cfg.Dialer.Dial(dialCtx, target)
		select {
		case e.dials <- dialResult{gen: gen, client: c, err: err}:
		case <-e.done:
			if c != nil {
				_ = c.Close()
			}
		}
	}()
}

func (e *Engine) handleDial(r dialResult) {
	if r.gen != e.gen {
		if r.client != nil {
			_ = r.client.Close()
		}
		return
	}
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	if r.err != nil {
		e.log(protocol.ChannelError, "ERROR: "+r.err.Error())
		e.innerReconnect()
		return
	}

	e.client = r.client
	go e.pump(r.gen, r.client)
}

func (e *Engine) pump(gen uint64, c session.Client) {
	for ev := range c.Events() {
		select {
		case e.events <- sessionEvent{gen: gen, ev: ev}:
		case <-e.done:
			return
		}
	}
}

func (e *Engine) handleSession(se sessionEvent) {
	if se.gen != e.gen || e.client == nil {
		return
	}

	ev := se.ev
	switch ev.Kind {
	case session.EventReady:
		e.onReady()
	case session.EventText:
		e.onText(ev)
	case session.EventMalformed:
		e.cfg.Logger.WithError(ev.Err).Warn("malformed session frame")
		e.log(protocol.ChannelError, "ERROR in message handler: "+errString(ev.Err))
	case session.EventKicked:
		e.log(protocol.ChannelError, "KICKED: "+ev.Reason)
		e.innerReconnect()
	case session.EventError:
		e.log(protocol.ChannelError, "ERROR: "+errString(ev.Err))
		e.innerReconnect()
	case session.EventEnded:
		e.log(protocol.ChannelConsole, "END: session ended.")
		e.innerReconnect()
	}
}

func (e *Engine) onReady() {
	e.attempts = 0
	now := e.cfg.Now()
	e.setStatus(protocol.StateOnline, "Online", &now)
	e.log(protocol.ChannelConsole, "Spawned. Session ready.")

	if e.canLogin() {
		e.scheduleLogin(e.cfg.LoginDelay)
	}
}

func (e *Engine) onText(ev session.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	ch := ev.Channel
	if ch == "" {
		ch = protocol.ChannelChat
	}
	e.log(ch, fmt.Sprintf("RECV (%s): %s", ch.Label(), text))

	lower := strings.ToLower(text)
	if e.canLogin() && containsAny(lower, e.cfg.LoginPrompts) {
		e.log(protocol.ChannelConsole, "Login prompt detected, logging in again.")
		e.scheduleLogin(e.cfg.ReloginDelay)
	}
	if containsAny(lower, e.cfg.ChallengeKeywords) {
		e.log(protocol.ChannelSystem, "Captcha detected. Manual input required.")
		e.setStatus(protocol.StateChallenge, "Waiting for captcha...", nil)
	}
}

func (e *Engine) canLogin() bool {
	return e.bot != nil && e.bot.AutoLogin && e.bot.Credential != ""
}

func (e *Engine) scheduleLogin(delay time.Duration) {
	gen := e.gen
	id := e.sched.After(delay, func() {
		if gen != e.gen || e.client == nil {
			return
		}
		e.log(protocol.ChannelConsole, "Sending login command...")
		e.sendText(protocol.LoginText(e.bot.Credential))
	})
	e.loginTasks = append(e.loginTasks, id)
}

func (e *Engine) onCommand(text string) {
	if e.client == nil {
		botID := ""
		if e.bot != nil {
			botID = e.bot.ID
		}
		err := &protocol.NoSessionError{BotID: botID}
		e.log(protocol.ChannelError, "ERROR: not connected, command not sent.")
		e.reportError(err)
		return
	}
	if e.status.State == protocol.StateChallenge {
		e.setStatus(protocol.StateOnline, "Online", nil)
	}
	e.sendText(text)
}

func (e *Engine) sendText(text string) {
	if err := e.client.Send(text); err != nil {
		e.log(protocol.ChannelError, "ERROR: send failed: "+err.Error())
		e.reportError(fmt.Errorf("send command: %w", err))
		return
	}
	e.log(protocol.ChannelConsole, "SENT: "+maskCredential(text))
}

// innerReconnect tears down the session and either schedules another
// attempt or gives up once the budget is spent.
func (e *Engine) innerReconnect() {
	e.teardown()

	limit := e.cfg.MaxReconnectAttempts
	if e.attempts >= limit {
		e.log(protocol.ChannelError, fmt.Sprintf("Reconnect attempts exhausted (%d/%d). Giving up.", e.attempts, limit))
		e.setStatus(protocol.StateOffline, "Reconnect attempts exhausted.", nil)
		e.send(protocol.ExitMessage())
		e.finished = true
		return
	}

	e.attempts++
	delay := e.settings.ReconnectDelayDuration()
	e.log(protocol.ChannelConsole, fmt.Sprintf("Reconnect attempt %d/%d in %s", e.attempts, limit, delay))
	e.setStatus(protocol.StateConnecting, fmt.Sprintf("Reconnecting... (attempt %d)", e.attempts), nil)
	e.reconnectTask = e.sched.After(delay, e.connect)
}

// teardown drops the current session (or in-flight dial) without touching
// the reconnect counter.
func (e *Engine) teardown() {
	e.gen++
	for _, id := range e.loginTasks {
		e.sched.Cancel(id)
	}
	e.loginTasks = nil
	if e.dialCancel != nil {
		e.dialCancel()
		e.dialCancel = nil
	}
	if e.client != nil {
		_ = e.client.Close()
		e.client = nil
	}
}

// terminate ends the engine on request: no further reconnects.
func (e *Engine) terminate(reason string) {
	e.sched.Cancel(e.reconnectTask)
	e.reconnectTask = 0
	e.teardown()
	e.log(protocol.ChannelConsole, reason)
	e.setStatus(protocol.StateOffline, reason, nil)
	e.send(protocol.ExitMessage())
	e.finished = true
}

func (e *Engine) setStatus(state protocol.BotState, message string, startedAt *time.Time) {
	e.status = e.status.Transition(state, message, startedAt)
	e.send(protocol.StatusMessage(e.status))
}

func (e *Engine) log(ch protocol.Channel, line string) {
	line = clip(line, e.cfg.MaxLogLine)
	if e.logs != nil {
		if err := e.logs.Write(ch, line); err != nil {
			e.cfg.Logger.WithError(err).Warn("write bot log")
		}
	}
	e.send(protocol.LogMessage(ch, line))
}

func (e *Engine) reportError(err error) {
	e.cfg.Logger.WithError(err).Warn("worker error")
	e.send(protocol.ErrorMessage(err.Error()))
}

func (e *Engine) send(msg protocol.Message) {
	if err := e.cfg.Out.Send(msg); err != nil {
		e.cfg.Logger.WithError(err).WithField("type", msg.Type).Warn("send to supervisor")
	}
}

func (e *Engine) closeLogs() {
	if e.logs != nil {
		_ = e.logs.Close()
		e.logs = nil
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func maskCredential(text string) string {
	if strings.HasPrefix(text, protocol.LoginCommand+" ") {
		return protocol.LoginCommand + " ********"
	}
	return text
}

// clip shortens line to at most limit bytes of text, cutting on a rune
// boundary and noting how much was dropped.
func clip(line string, limit int) string {
	if len(line) <= limit {
		return line
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... [%d bytes clipped]", line[:cut], len(line)-cut)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
