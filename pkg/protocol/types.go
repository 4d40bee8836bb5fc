package protocol

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// BotConfig is the persisted configuration record for one bot.
type BotConfig struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName,omitempty"`
	ServerHost       string     `json:"serverHost"`
	ServerPort       int        `json:"serverPort"`
	Username         string     `json:"username"`
	Credential       string     `json:"credential,omitempty"`
	AutoLogin        bool       `json:"autoLogin"`
	LocalBindAddress string     `json:"localBindAddress,omitempty"`
	LastStartedAt    *time.Time `json:"lastStartedAt,omitempty"`
	LastStoppedAt    *time.Time `json:"lastStoppedAt,omitempty"`
}

// Validate checks the fields a worker needs to open a session.
func (c BotConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(c.ServerHost) == "" {
		problems = append(problems, "serverHost is required")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		problems = append(problems, fmt.Sprintf("serverPort %d out of range", c.ServerPort))
	}
	if strings.TrimSpace(c.Username) == "" {
		problems = append(problems, "username is required")
	}
	if c.LocalBindAddress != "" && net.ParseIP(c.LocalBindAddress) == nil {
		problems = append(problems, fmt.Sprintf("localBindAddress %q is not an IP address", c.LocalBindAddress))
	}
	if len(problems) > 0 {
		return &InvalidConfigError{BotID: c.ID, Problems: problems}
	}
	return nil
}

// Name returns the display name, falling back to the username.
func (c BotConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Username
}

// BotState is the connectivity state of a bot as seen by observers.
type BotState string

// Bot state constants.
const (
	StateConnecting BotState = "connecting"
	StateOnline     BotState = "online"
	// StateChallenge means the server asked for a human verification code.
	StateChallenge BotState = "captcha"
	StateOffline   BotState = "offline"
)

// BotStatus is an immutable status value. Transitions produce a new value.
type BotStatus struct {
	State            BotState   `json:"state"`
	Message          string     `json:"message"`
	SessionStartedAt *time.Time `json:"sessionStartedAt,omitempty"`
}

// Transition returns the status that results from moving to state with
// message. The uptime origin is carried over unless startedAt is non-nil.
func (s BotStatus) Transition(state BotState, message string, startedAt *time.Time) BotStatus {
	next := BotStatus{State: state, Message: message, SessionStartedAt: s.SessionStartedAt}
	if startedAt != nil {
		t := *startedAt
		next.SessionStartedAt = &t
	}
	return next
}

// Uptime returns the time elapsed since the session started, or zero when
// the bot is not online.
func (s BotStatus) Uptime(now time.Time) time.Duration {
	if s.State != StateOnline || s.SessionStartedAt == nil {
		return 0
	}
	d := now.Sub(*s.SessionStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// WaitingStatus is the status reported for a bot that has never run.
func WaitingStatus() BotStatus {
	return BotStatus{State: StateOffline, Message: "Waiting..."}
}

// Channel classifies a log line.
type Channel string

// Log channel constants.
const (
	ChannelChat      Channel = "chat"
	ChannelWhisper   Channel = "whisper"
	ChannelSystem    Channel = "system"
	ChannelActionBar Channel = "action_bar"
	ChannelConsole   Channel = "console"
	ChannelError     Channel = "error"
)

// IsConversation reports whether lines on the channel came from the remote
// server rather than from the worker itself.
func (c Channel) IsConversation() bool {
	switch c {
	case ChannelChat, ChannelWhisper, ChannelSystem, ChannelActionBar:
		return true
	default:
		return false
	}
}

// Label is the upper-case form used in log lines.
func (c Channel) Label() string {
	return strings.ToUpper(string(c))
}

// WorkerSettings are the fleet-wide settings a worker receives with START.
type WorkerSettings struct {
	LogsDir        string `json:"logsDir,omitempty"`
	TimeZone       string `json:"timeZone,omitempty"`
	ReconnectDelay int64  `json:"reconnectDelayMs,omitempty"`
}

// ReconnectDelayDuration returns the inner reconnect delay, defaulting to
// DefaultReconnectDelay.
func (s WorkerSettings) ReconnectDelayDuration() time.Duration {
	if s.ReconnectDelay <= 0 {
		return DefaultReconnectDelay
	}
	return time.Duration(s.ReconnectDelay) * time.Millisecond
}

// Location resolves TimeZone, falling back to UTC when it is empty or unknown.
func (s WorkerSettings) Location() *time.Location {
	if s.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BotView is the observer-facing view of a bot. The credential is never
// included.
type BotView struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName,omitempty"`
	ServerHost       string     `json:"serverHost"`
	ServerPort       int        `json:"serverPort"`
	Username         string     `json:"username"`
	HasCredential    bool       `json:"hasCredential"`
	AutoLogin        bool       `json:"autoLogin"`
	LocalBindAddress string     `json:"localBindAddress,omitempty"`
	LastStartedAt    *time.Time `json:"lastStartedAt,omitempty"`
	LastStoppedAt    *time.Time `json:"lastStoppedAt,omitempty"`
	Status           BotStatus  `json:"status"`
	Running          bool       `json:"running"`
	Uptime           string     `json:"uptime"`
	Restarts         int        `json:"restarts"`
}

// NewBotView builds the view of cfg with status at time now.
func NewBotView(cfg BotConfig, status BotStatus, running bool, restarts int, now time.Time) BotView {
	return BotView{
		ID:               cfg.ID,
		DisplayName:      cfg.DisplayName,
		ServerHost:       cfg.ServerHost,
		ServerPort:       cfg.ServerPort,
		Username:         cfg.Username,
		HasCredential:    cfg.Credential != "",
		AutoLogin:        cfg.AutoLogin,
		LocalBindAddress: cfg.LocalBindAddress,
		LastStartedAt:    cfg.LastStartedAt,
		LastStoppedAt:    cfg.LastStoppedAt,
		Status:           status,
		Running:          running,
		Uptime:           FormatUptime(status.Uptime(now)),
		Restarts:         restarts,
	}
}

// FormatUptime renders d as "1d 2h 3m 4s", omitting leading zero units.
// Zero renders as "-".
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := (secs % 86400) / 3600
	mins := (secs % 3600) / 60
	secs %= 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if days > 0 || hours > 0 || mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}
