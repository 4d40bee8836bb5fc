package main

import (
	"github.com/charmbracelet/lipgloss"

	"botfleet/pkg/protocol"
)

// Theme defines the visual styling for the fleet dashboard.
type Theme struct {
	Primary lipgloss.Color
	Muted   lipgloss.Color
	Error   lipgloss.Color
	Border  lipgloss.Color

	Online     lipgloss.Color
	Connecting lipgloss.Color
	Challenge  lipgloss.Color
	Offline    lipgloss.Color

	SystemLog lipgloss.Color
}

// DefaultTheme returns the default dashboard theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("#6E56CF"),
		Muted:   lipgloss.Color("#889096"),
		Error:   lipgloss.Color("#E5484D"),
		Border:  lipgloss.Color("#3E4347"),

		Online:     lipgloss.Color("#30A46C"),
		Connecting: lipgloss.Color("#E5A836"),
		Challenge:  lipgloss.Color("#F76B15"),
		Offline:    lipgloss.Color("#E5484D"),

		SystemLog: lipgloss.Color("#0090FF"),
	}
}

// StateColor maps a bot state to its color. Unknown states are muted.
func (t Theme) StateColor(state protocol.BotState) lipgloss.Color {
	switch state {
	case protocol.StateOnline:
		return t.Online
	case protocol.StateConnecting:
		return t.Connecting
	case protocol.StateChallenge:
		return t.Challenge
	case protocol.StateOffline:
		return t.Offline
	default:
		return t.Muted
	}
}
