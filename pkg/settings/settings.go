// Package settings resolves the supervisor's configuration: built-in
// defaults, then <home>/botfleet.toml, then BOTFLEET_* environment
// variables. Command-line flags are applied on top by the CLI.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"botfleet/pkg/protocol"
)

const (
	// HomeEnv overrides the home directory.
	HomeEnv = "BOTFLEET_HOME"
	// DirName is the default home directory name under the user's home.
	DirName = ".botfleet"
	// FileName is the settings file inside home.
	FileName = "botfleet.toml"
	// DefaultListen is the API address.
	DefaultListen = "127.0.0.1:3000"
)

// Duration is a time.Duration written as a string ("10s") in files and
// environment variables.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Settings is the resolved configuration.
type Settings struct {
	Home string `toml:"-"`

	Listen      string   `toml:"listen" env:"LISTEN"`
	DataPath    string   `toml:"data_path" env:"DATA_PATH"`
	StateDBPath string   `toml:"state_db" env:"STATE_DB"`
	LogsDir     string   `toml:"logs_dir" env:"LOGS_DIR"`
	LogFile     string   `toml:"log_file" env:"LOG_FILE"`
	RunFile     string   `toml:"run_file" env:"RUN_FILE"`
	LogLevel    string   `toml:"log_level" env:"LOG_LEVEL"`
	TimeZone    string   `toml:"time_zone" env:"TIME_ZONE"`
	Reconnect   Duration `toml:"reconnect_delay" env:"RECONNECT_DELAY"`
	StopGrace   Duration `toml:"stop_grace" env:"STOP_GRACE"`
}

// Defaults returns the built-in settings rooted at home.
func Defaults(home string) Settings {
	return Settings{Home: home}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	s.DataPath = s.path(s.DataPath, "bots.json")
	s.StateDBPath = s.path(s.StateDBPath, "state.db")
	s.LogsDir = s.path(s.LogsDir, "logs")
	s.LogFile = s.path(s.LogFile, "botfleet.log")
	s.RunFile = s.path(s.RunFile, "supervisor.json")
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TimeZone == "" {
		s.TimeZone = protocol.DefaultTimeZone
	}
	if s.Reconnect.Duration <= 0 {
		s.Reconnect.Duration = protocol.DefaultReconnectDelay
	}
	if s.StopGrace.Duration <= 0 {
		s.StopGrace.Duration = protocol.DefaultStopGrace
	}
	return s
}

// path resolves p against home, using def when p is empty.
func (s Settings) path(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.Home, p)
}

// ResolveHome returns BOTFLEET_HOME or ~/.botfleet.
func ResolveHome() (string, error) {
	if v := os.Getenv(HomeEnv); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Load resolves settings for home (ResolveHome when empty). A missing
// settings file is not an error.
func Load(home string) (Settings, error) {
	if home == "" {
		var err error
		if home, err = ResolveHome(); err != nil {
			return Settings{}, err
		}
	}

	s := Settings{}
	path := filepath.Join(home, FileName)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the home dir
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Settings{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&s, env.Options{Prefix: "BOTFLEET_"}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	s.Home = home
	return s.withDefaults(), nil
}

// Save writes s to <home>/botfleet.toml, creating home if needed.
func Save(s Settings) (string, error) {
	if err := os.MkdirAll(s.Home, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", s.Home, err)
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	path := filepath.Join(s.Home, FileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Validate checks values that cannot be defaulted.
func (s Settings) Validate() error {
	if _, err := time.LoadLocation(s.TimeZone); err != nil {
		return fmt.Errorf("time_zone %q: %w", s.TimeZone, err)
	}
	return nil
}

// Worker returns the settings sent to every worker with START.
func (s Settings) Worker() protocol.WorkerSettings {
	return protocol.WorkerSettings{
		LogsDir:        s.LogsDir,
		TimeZone:       s.TimeZone,
		ReconnectDelay: s.Reconnect.Milliseconds(),
	}
}
