// Package tui holds the terminal UI frame shared by the interactive clan
// commands.
package tui

import "github.com/charmbracelet/lipgloss"

// Shared colors.
var (
	AccentColor = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	DimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	WarnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	GreenColor  = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	AmberColor  = lipgloss.AdaptiveColor{Light: "#D4A017", Dark: "#FFD866"}
)

// Shared styles.
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(WarnColor).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	CursorStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	AgeStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	NoticeStyle = lipgloss.NewStyle().
			Foreground(GreenColor)
)

// StatusStyle colors a request status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "pending":
		return lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
	case "approved", "executed":
		return lipgloss.NewStyle().Foreground(GreenColor)
	case "rejected", "expired":
		return lipgloss.NewStyle().Foreground(WarnColor)
	default:
		return lipgloss.NewStyle().Foreground(DimColor)
	}
}
