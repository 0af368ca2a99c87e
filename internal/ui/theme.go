package ui

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles the shell renders with.
type Theme struct {
	Title     lipgloss.Style
	Text      lipgloss.Style
	Dim       lipgloss.Style
	Accent    lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Highlight lipgloss.Style
}

// Default is the standard color theme.
func Default(noColor bool) Theme {
	if noColor {
		return NoColor()
	}
	return Theme{
		Title:     lipgloss.NewStyle().Foreground(lipgloss.Color("#8EEBFF")).Bold(true),
		Text:      lipgloss.NewStyle().Foreground(lipgloss.Color("#E6E6FA")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6F93")),
		Accent:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA7C4")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F56")).Bold(true),
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color("#5CFF5C")).Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD166")).Bold(true),
	}
}

// NoColor is a high-contrast theme for NO_COLOR environments. Only bold and
// reverse are used.
func NoColor() Theme {
	reset := lipgloss.NewStyle()
	return Theme{
		Title:     reset.Bold(true),
		Text:      reset,
		Dim:       reset,
		Accent:    reset.Bold(true),
		Error:     reset.Bold(true),
		Success:   reset.Bold(true),
		Highlight: reset.Reverse(true),
	}
}
