// Package fanout broadcasts fleet events to observers: an in-process Hub,
// and an HTTP server exposing a REST API and a websocket event stream.
package fanout

import (
	"time"

	"botfleet/pkg/protocol"
)

// EventType names an observer event.
type EventType string

// Observer event types.
const (
	EventSnapshot EventType = "bots:list"
	EventStatus   EventType = "bot:status"
	EventLog      EventType = "bot:log"
	EventConfig   EventType = "bot:configUpdate"
	EventAdded    EventType = "bot:added"
	EventRemoved  EventType = "bot:removed"
	EventUptime   EventType = "bot:uptime"
	EventError    EventType = "error"
)

// LogLine is one log line from a bot.
type LogLine struct {
	Channel protocol.Channel `json:"channel"`
	Line    string           `json:"line"`
	At      time.Time        `json:"at"`
}

// Event is what observers receive.
type Event struct {
	Type    EventType           `json:"type"`
	BotID   string              `json:"botId,omitempty"`
	Status  *protocol.BotStatus `json:"status,omitempty"`
	Log     *LogLine            `json:"log,omitempty"`
	Bot     *protocol.BotView   `json:"bot,omitempty"`
	Bots    []protocol.BotView  `json:"bots,omitempty"`
	Uptime  string              `json:"uptime,omitempty"`
	Message string              `json:"message,omitempty"`
}

// StatusEvent builds a bot:status event.
func StatusEvent(botID string, s protocol.BotStatus) Event {
	return Event{Type: EventStatus, BotID: botID, Status: &s}
}

// LogEvent builds a bot:log event.
func LogEvent(botID string, ch protocol.Channel, line string, at time.Time) Event {
	return Event{Type: EventLog, BotID: botID, Log: &LogLine{Channel: ch, Line: line, At: at}}
}

// ConfigEvent builds a bot:configUpdate event.
func ConfigEvent(view protocol.BotView) Event {
	return Event{Type: EventConfig, BotID: view.ID, Bot: &view}
}

// SnapshotEvent builds a bots:list event.
func SnapshotEvent(views []protocol.BotView) Event {
	if views == nil {
		views = []protocol.BotView{}
	}
	return Event{Type: EventSnapshot, Bots: views}
}
