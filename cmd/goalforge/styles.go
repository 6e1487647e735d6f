package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BC34A"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#2196F3"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#8BC34A"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#e53935"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#808080"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2a3850")).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Width(18).
			Foreground(lipgloss.Color("#808080"))
)

// kv renders one aligned label/value line for status panels.
func kv(label, value string) string {
	return labelStyle.Render(label) + value
}
