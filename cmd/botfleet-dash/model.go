package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
)

// maxLogLines bounds the per-bot log history kept by the dashboard.
const maxLogLines = 500

// eventStream is the subset of apiclient.Stream the dashboard uses.
type eventStream interface {
	Next() (fanout.Event, error)
	Send(fanout.Action) error
}

// eventMsg carries one event read from the stream.
type eventMsg fanout.Event

// streamClosedMsg reports that the stream failed; no more events follow.
type streamClosedMsg struct{ err error }

// sendErrMsg reports a failed action write.
type sendErrMsg struct{ err error }

// inputMode is what the text input is collecting, if anything.
type inputMode int

const (
	inputNone inputMode = iota
	inputCommand
	inputCaptcha
)

// Model is the Bubble Tea model for the fleet dashboard.
type Model struct {
	stream eventStream
	keys   KeyMap
	theme  Theme

	bots     []protocol.BotView
	logs     map[string][]fanout.LogLine
	selected int

	mode    inputMode
	input   textinput.Model
	logView viewport.Model
	help    help.Model

	width     int
	height    int
	connected bool
	lastError string
}

func newModel(stream eventStream) Model {
	ti := textinput.New()
	ti.CharLimit = 256
	return Model{
		stream:    stream,
		keys:      DefaultKeyMap,
		theme:     DefaultTheme(),
		logs:      make(map[string][]fanout.LogLine),
		input:     ti,
		logView:   viewport.New(80, 10),
		help:      help.New(),
		connected: true,
	}
}

// waitForEvent reads the next event from the stream.
func waitForEvent(s eventStream) tea.Cmd {
	return func() tea.Msg {
		ev, err := s.Next()
		if err != nil {
			return streamClosedMsg{err: err}
		}
		return eventMsg(ev)
	}
}

// sendAction writes an action frame. Rejections come back as error events.
func sendAction(s eventStream, a fanout.Action) tea.Cmd {
	return func() tea.Msg {
		if err := s.Send(a); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.stream)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.resize()
		return m, nil

	case eventMsg:
		m.apply(fanout.Event(msg))
		return m, waitForEvent(m.stream)

	case streamClosedMsg:
		m.connected = false
		if msg.err != nil && !errors.Is(msg.err, io.EOF) {
			m.lastError = msg.err.Error()
		}
		return m, nil

	case sendErrMsg:
		m.lastError = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		if m.mode != inputNone {
			return m.handleInputKeys(msg)
		}
		return m.handleKeys(msg)
	}
	return m, nil
}

func (m Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		m.resize()
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
			m.refreshLogs()
		}
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.bots)-1 {
			m.selected++
			m.refreshLogs()
		}
	case key.Matches(msg, m.keys.Start):
		return m, m.act(fanout.ActionStart, "")
	case key.Matches(msg, m.keys.Stop):
		return m, m.act(fanout.ActionStop, "")
	case key.Matches(msg, m.keys.Login):
		return m, m.act(fanout.ActionLogin, "")
	case key.Matches(msg, m.keys.Remove):
		return m, m.act(fanout.ActionRemove, "")
	case key.Matches(msg, m.keys.Command):
		return m.openInput(inputCommand, "say or /command: ")
	case key.Matches(msg, m.keys.Captcha):
		return m.openInput(inputCaptcha, "captcha code: ")
	}
	return m, nil
}

func (m Model) openInput(mode inputMode, prompt string) (tea.Model, tea.Cmd) {
	if _, ok := m.current(); !ok {
		return m, nil
	}
	m.mode = mode
	m.input.Prompt = prompt
	m.input.SetValue("")
	return m, m.input.Focus()
}

func (m Model) handleInputKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.closeInput()
		return m, nil
	case key.Matches(msg, m.keys.Submit):
		text := m.input.Value()
		action := fanout.ActionSendCommand
		if m.mode == inputCaptcha {
			action = fanout.ActionSolveCaptcha
		}
		m.closeInput()
		if text == "" {
			return m, nil
		}
		return m, m.act(action, text)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) closeInput() {
	m.mode = inputNone
	m.input.Blur()
	m.input.SetValue("")
}

// act sends action for the selected bot.
func (m Model) act(action, text string) tea.Cmd {
	bot, ok := m.current()
	if !ok || !m.connected {
		return nil
	}
	return sendAction(m.stream, fanout.Action{Action: action, BotID: bot.ID, Cmd: text})
}

func (m Model) current() (protocol.BotView, bool) {
	if m.selected < 0 || m.selected >= len(m.bots) {
		return protocol.BotView{}, false
	}
	return m.bots[m.selected], true
}

func (m Model) indexOf(id string) int {
	return slices.IndexFunc(m.bots, func(v protocol.BotView) bool { return v.ID == id })
}

// apply folds one event into the model.
func (m *Model) apply(ev fanout.Event) {
	switch ev.Type {
	case fanout.EventSnapshot:
		var keep string
		if cur, ok := m.current(); ok {
			keep = cur.ID
		}
		m.bots = slices.Clone(ev.Bots)
		m.selected = max(0, m.indexOf(keep))
	case fanout.EventStatus:
		if i := m.indexOf(ev.BotID); i >= 0 && ev.Status != nil {
			m.bots[i].Status = *ev.Status
			if ev.Status.State == protocol.StateOffline {
				m.bots[i].Uptime = protocol.FormatUptime(0)
			}
		}
	case fanout.EventUptime:
		if i := m.indexOf(ev.BotID); i >= 0 {
			m.bots[i].Uptime = ev.Uptime
		}
	case fanout.EventConfig, fanout.EventAdded:
		if ev.Bot == nil {
			return
		}
		if i := m.indexOf(ev.Bot.ID); i >= 0 {
			m.bots[i] = *ev.Bot
		} else {
			m.bots = append(m.bots, *ev.Bot)
		}
	case fanout.EventRemoved:
		if i := m.indexOf(ev.BotID); i >= 0 {
			m.bots = slices.Delete(m.bots, i, i+1)
			delete(m.logs, ev.BotID)
			if m.selected >= len(m.bots) {
				m.selected = max(0, len(m.bots)-1)
			}
		}
	case fanout.EventLog:
		if ev.Log == nil {
			return
		}
		lines := append(m.logs[ev.BotID], *ev.Log)
		if len(lines) > maxLogLines {
			lines = lines[len(lines)-maxLogLines:]
		}
		m.logs[ev.BotID] = lines
	case fanout.EventError:
		m.lastError = ev.Message
	}
	m.refreshLogs()
}

// refreshLogs loads the selected bot's log into the viewport, following
// the tail.
func (m *Model) refreshLogs() {
	bot, ok := m.current()
	if !ok {
		m.logView.SetContent("")
		return
	}
	m.logView.SetContent(m.renderLogLines(m.logs[bot.ID]))
	m.logView.GotoBottom()
}

func (m *Model) resize() {
	if m.width == 0 {
		return
	}
	m.logView.Width = m.width
	m.logView.Height = max(3, m.height-m.chromeHeight())
	m.input.Width = max(10, m.width-20)
}

func (m Model) chromeHeight() int {
	// status bar, table header, rows, separator, input line, help
	h := 1 + 1 + len(m.bots) + 1 + 1 + 1
	if m.help.ShowAll {
		h += len(m.keys.FullHelp()[0]) + 1
	}
	return h
}

func (m Model) selectedName() string {
	bot, ok := m.current()
	if !ok {
		return "-"
	}
	if bot.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", bot.DisplayName, bot.ID)
	}
	return bot.ID
}
