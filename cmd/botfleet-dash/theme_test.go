package main

import (
	"testing"

	"github.com/charmbracelet/lipgloss"

	"botfleet/pkg/protocol"
)

func TestStateColor(t *testing.T) {
	theme := DefaultTheme()

	tests := []struct {
		state protocol.BotState
		want  lipgloss.Color
	}{
		{protocol.StateOnline, "#30A46C"},
		{protocol.StateConnecting, "#E5A836"},
		{protocol.StateChallenge, "#F76B15"},
		{protocol.StateOffline, "#E5484D"},
		{protocol.BotState("bogus"), theme.Muted},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := theme.StateColor(tt.state); got != tt.want {
				t.Errorf("StateColor(%q) = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"alpha", 10, "alpha"},
		{"alphabet", 5, "alph…"},
		{"ab", 1, "a"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
