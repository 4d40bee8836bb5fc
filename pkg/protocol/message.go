package protocol

import (
	"fmt"
	"time"
)

// MessageType identifies a control message exchanged between the supervisor
// and a worker process.
type MessageType string

// Supervisor → worker message types.
const (
	MsgStart   MessageType = "START"
	MsgStop    MessageType = "STOP"
	MsgCommand MessageType = "COMMAND"
)

// Worker → supervisor message types.
const (
	MsgStatusUpdate MessageType = "STATUS_UPDATE"
	MsgLog          MessageType = "LOG"
	MsgError        MessageType = "ERROR"
	MsgExit         MessageType = "EXIT"
)

// Message is the control protocol envelope. Exactly one payload pointer is
// set, matching Type; STOP and EXIT carry none.
type Message struct {
	Type    MessageType     `json:"type"`
	Start   *StartPayload   `json:"start,omitempty"`
	Command *CommandPayload `json:"command,omitempty"`
	Status  *StatusPayload  `json:"status,omitempty"`
	Log     *LogPayload     `json:"log,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// StartPayload asks a worker to open its session.
type StartPayload struct {
	Bot      BotConfig      `json:"bot"`
	Settings WorkerSettings `json:"settings"`
}

// CommandPayload carries text to send verbatim over the session.
type CommandPayload struct {
	Text string `json:"text"`
}

// StatusPayload reports a status transition.
type StatusPayload struct {
	State            BotState   `json:"state"`
	Message          string     `json:"message"`
	SessionStartedAt *time.Time `json:"sessionStartedAt,omitempty"`
}

// LogPayload carries one classified log line.
type LogPayload struct {
	Channel Channel `json:"channel"`
	Line    string  `json:"line"`
}

// ErrorPayload reports a non-fatal worker-side error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// BotStatus converts the payload into a status value.
func (p StatusPayload) BotStatus() BotStatus {
	return BotStatus{State: p.State, Message: p.Message, SessionStartedAt: p.SessionStartedAt}
}

// StartMessage builds a START message.
func StartMessage(cfg BotConfig, settings WorkerSettings) Message {
	return Message{Type: MsgStart, Start: &StartPayload{Bot: cfg, Settings: settings}}
}

// StopMessage builds a STOP message.
func StopMessage() Message { return Message{Type: MsgStop} }

// CommandMessage builds a COMMAND message.
func CommandMessage(text string) Message {
	return Message{Type: MsgCommand, Command: &CommandPayload{Text: text}}
}

// StatusMessage builds a STATUS_UPDATE message from a status value.
func StatusMessage(s BotStatus) Message {
	return Message{Type: MsgStatusUpdate, Status: &StatusPayload{
		State:            s.State,
		Message:          s.Message,
		SessionStartedAt: s.SessionStartedAt,
	}}
}

// LogMessage builds a LOG message.
func LogMessage(ch Channel, line string) Message {
	return Message{Type: MsgLog, Log: &LogPayload{Channel: ch, Line: line}}
}

// ErrorMessage builds an ERROR message.
func ErrorMessage(msg string) Message {
	return Message{Type: MsgError, Error: &ErrorPayload{Message: msg}}
}

// ExitMessage builds an EXIT message.
func ExitMessage() Message { return Message{Type: MsgExit} }

// Validate checks that the payload matches the type.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case MsgStart:
		ok = m.Start != nil
	case MsgCommand:
		ok = m.Command != nil
	case MsgStatusUpdate:
		ok = m.Status != nil && m.Status.State != ""
	case MsgLog:
		ok = m.Log != nil
	case MsgError:
		ok = m.Error != nil
	case MsgStop, MsgExit:
		ok = true
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("message %s: missing payload", m.Type)
	}
	return nil
}
