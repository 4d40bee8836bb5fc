package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
)

// Column widths for the bot table.
var columnWidths = []int{2, 18, 22, 11, 12, 4}

// View implements tea.Model.
func (m Model) View() string {
	sections := []string{
		m.renderStatusBar(),
		m.renderTable(),
		lipgloss.NewStyle().Foreground(m.theme.Border).Render(strings.Repeat("─", max(20, m.width))),
		m.logView.View(),
	}
	if m.mode != inputNone {
		sections = append(sections, m.input.View())
	} else if m.lastError != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(m.theme.Error).Render("error: "+m.lastError))
	} else {
		sections = append(sections, "")
	}
	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatusBar shows connection state and per-state counts.
func (m Model) renderStatusBar() string {
	conn := lipgloss.NewStyle().Foreground(m.theme.Online).Render("supervisor: connected")
	if !m.connected {
		conn = lipgloss.NewStyle().Foreground(m.theme.Error).Render("supervisor: disconnected")
	}

	counts := make(map[protocol.BotState]int)
	for _, b := range m.bots {
		counts[b.Status.State]++
	}
	parts := []string{conn, fmt.Sprintf("bots: %d", len(m.bots))}
	for _, st := range []protocol.BotState{protocol.StateOnline, protocol.StateConnecting, protocol.StateChallenge, protocol.StateOffline} {
		if counts[st] == 0 {
			continue
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(m.theme.StateColor(st)).Render(fmt.Sprintf("%s: %d", st, counts[st])))
	}
	parts = append(parts, "selected: "+m.selectedName())
	return strings.Join(parts, " | ")
}

// renderTable renders the bot list with the cursor row highlighted.
func (m Model) renderTable() string {
	if len(m.bots) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("No bots configured")
	}

	var sb strings.Builder
	header := []string{"", "BOT", "SERVER", "STATE", "UPTIME", "RST"}
	bold := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary)
	sb.WriteString(renderRow(header, func(int) lipgloss.Style { return bold }))
	for i, b := range m.bots {
		cursor := " "
		base := lipgloss.NewStyle()
		if i == m.selected {
			cursor = "▸"
			base = base.Bold(true)
		}
		name := b.DisplayName
		if name == "" {
			name = b.ID
		}
		cells := []string{
			cursor,
			name,
			fmt.Sprintf("%s:%d", b.ServerHost, b.ServerPort),
			string(b.Status.State),
			b.Uptime,
			fmt.Sprint(b.Restarts),
		}
		state := base.Foreground(m.theme.StateColor(b.Status.State))
		sb.WriteString("\n")
		sb.WriteString(renderRow(cells, func(col int) lipgloss.Style {
			if col == 3 {
				return state
			}
			return base
		}))
		if b.Status.Message != "" {
			sb.WriteString("  ")
			sb.WriteString(lipgloss.NewStyle().Foreground(m.theme.Muted).Render(b.Status.Message))
		}
	}
	return sb.String()
}

func renderRow(cells []string, style func(col int) lipgloss.Style) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = style(i).Width(columnWidths[i]).Render(truncate(c, columnWidths[i]))
	}
	return strings.Join(parts, " ")
}

// renderLogLines formats log lines for the viewport.
func (m Model) renderLogLines(lines []fanout.LogLine) string {
	if len(lines) == 0 {
		return lipgloss.NewStyle().Foreground(m.theme.Muted).Render("no log lines yet")
	}
	system := lipgloss.NewStyle().Foreground(m.theme.SystemLog)
	stamp := lipgloss.NewStyle().Foreground(m.theme.Muted)
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(stamp.Render(l.At.Local().Format("15:04:05")))
		sb.WriteString(" ")
		if l.Channel == protocol.ChannelSystem {
			sb.WriteString(system.Render(l.Line))
		} else {
			sb.WriteString(l.Line)
		}
	}
	return sb.String()
}

// truncate shortens s to width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}
