package main

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#2ECC71"))

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#AAAAAA"))

	actionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F1C40F"))
)

// stateStyle picks the style for a run or step state string.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "succeeded", "success", "pass":
		return okStyle
	case "failed", "failure", "timeout", "fail":
		return failStyle
	default:
		return dimStyle
	}
}
