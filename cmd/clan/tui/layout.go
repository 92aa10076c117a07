package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Pulse colors cycle through green brightness levels.
var pulseColors = []lipgloss.Color{
	"#73F59F",
	"#5FE08B",
	"#4BCC77",
	"#3FB86A",
	"#4BCC77",
	"#5FE08B",
}

// Layout is the frame around every view: header, body, footer.
type Layout struct {
	AppName string
	Scope   string
	Actor   string // short form, e.g. "ed25519:9ef03dbf"
	// Live is set while the last refresh succeeded.
	Live   bool
	Width  int
	Height int
	Frame  int // incremented on each spinner tick for the pulse
}

// BodySize returns the width and height left for app content: five lines
// of header, footer and padding, two columns of padding on each side.
func (l Layout) BodySize() (int, int) {
	return max(l.Width-4, 10), max(l.Height-6, 3)
}

// Render composes header, body and footer into a full frame.
func (l Layout) Render(body string, helpText string) string {
	contentWidth, bodyHeight := l.BodySize()

	var frame strings.Builder
	frame.WriteString("\n")

	// "clan · {app}" on the left, "{scope} {actor} ●" on the right.
	dim := lipgloss.NewStyle().Foreground(DimColor)
	left := TitleStyle.Render("clan") + dim.Render(" · ") + dim.Render(l.AppName)

	var right string
	if l.Scope != "" {
		dot := dim.Render("●")
		if l.Live {
			c := pulseColors[l.Frame%len(pulseColors)]
			dot = lipgloss.NewStyle().Foreground(c).Bold(true).Render("●")
		}
		right = dim.Render(l.Scope+" as "+l.Actor) + " " + dot
	}

	gap := max(contentWidth-lipgloss.Width(left)-lipgloss.Width(right)-1, 1)
	frame.WriteString("  " + left + strings.Repeat(" ", gap) + right + " ")
	frame.WriteString("\n\n")

	lines := strings.Split(body, "\n")
	for _, line := range lines {
		frame.WriteString("  " + line + "\n")
	}
	frame.WriteString(strings.Repeat("\n", max(bodyHeight-len(lines), 0)))

	frame.WriteString(HelpStyle.Render("  " + helpText))
	frame.WriteString("\n")
	return frame.String()
}
