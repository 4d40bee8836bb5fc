package protocol

import (
	"fmt"
	"strings"
)

// BotNotFoundError represents a lookup of an unknown bot id.
// It enables typed error discrimination via errors.As.
type BotNotFoundError struct {
	BotID string
}

func (e *BotNotFoundError) Error() string {
	return fmt.Sprintf("bot %s not found", e.BotID)
}

// BotNotRunningError is returned when an operation needs a live worker and
// the bot has none.
type BotNotRunningError struct {
	BotID string
	Op    string // operation that was refused (e.g. "command")
}

func (e *BotNotRunningError) Error() string {
	return fmt.Sprintf("bot %s is not running (%s)", e.BotID, e.Op)
}

// NoSessionError is reported by a worker asked to send a command while it
// has no active session.
type NoSessionError struct {
	BotID string
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("bot %s: not connected, command not sent", e.BotID)
}

// MalformedMessageError wraps a control line or session frame that could not
// be decoded. It is always treated as non-fatal.
type MalformedMessageError struct {
	Raw    string
	Reason error
}

func (e *MalformedMessageError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("malformed message %q: %v", raw, e.Reason)
}

func (e *MalformedMessageError) Unwrap() error { return e.Reason }

// InvalidConfigError lists the problems found by BotConfig.Validate.
type InvalidConfigError struct {
	BotID    string
	Problems []string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid bot config %q: %s", e.BotID, strings.Join(e.Problems, "; "))
}
