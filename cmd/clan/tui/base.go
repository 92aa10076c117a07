package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// App is the interface each TUI view implements.
type App interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (App, tea.Cmd)
	View() (body string, help string)
	CanQuit() bool
	// Refresh reloads the app's data. Base calls it on start and on every
	// RefreshTickMsg. Return nil for a static app.
	Refresh() tea.Cmd
}

// RefreshTickMsg triggers a reload.
type RefreshTickMsg struct{}

// LiveMsg reports whether the last reload reached its source.
type LiveMsg struct{ OK bool }

// ErrMsg is a fatal error any app can emit.
type ErrMsg struct{ Err error }

// Base handles the concerns shared by every view: layout, spinner,
// periodic refresh and fatal error display.
type Base struct {
	Layout   *Layout
	Spinner  spinner.Model
	Err      error
	Interval time.Duration
	app      App
}

// NewBase creates a Base with the standard spinner and layout.
func NewBase(appName, scope, actor string, interval time.Duration) Base {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(AccentColor)

	return Base{
		Layout: &Layout{
			AppName: appName,
			Scope:   scope,
			Actor:   actor,
		},
		Spinner:  s,
		Interval: interval,
	}
}

// WithApp sets the app implementation and returns the Base.
func (b Base) WithApp(app App) Base {
	b.app = app
	return b
}

// Init starts the spinner, the first refresh and the app.
func (b Base) Init() tea.Cmd {
	cmds := []tea.Cmd{b.Spinner.Tick}
	if b.app != nil {
		cmds = append(cmds, b.app.Init(), b.app.Refresh())
	}
	return tea.Batch(cmds...)
}

func (b Base) scheduleRefresh() tea.Cmd {
	if b.Interval <= 0 {
		return nil
	}
	return tea.Tick(b.Interval, func(time.Time) tea.Msg { return RefreshTickMsg{} })
}

// Update handles shared messages and delegates the rest to the app.
func (b Base) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return b, tea.Quit
		}
		if (msg.String() == "esc" || msg.String() == "q") && (b.Err != nil || (b.app != nil && b.app.CanQuit())) {
			return b, tea.Quit
		}
	case tea.WindowSizeMsg:
		b.Layout.Width = msg.Width
		b.Layout.Height = msg.Height
	case LiveMsg:
		b.Layout.Live = msg.OK
		return b, b.scheduleRefresh()
	case RefreshTickMsg:
		if b.app != nil {
			return b, b.app.Refresh()
		}
		return b, nil
	case ErrMsg:
		b.Err = msg.Err
		return b, nil
	case spinner.TickMsg:
		b.Layout.Frame++
		var cmd tea.Cmd
		b.Spinner, cmd = b.Spinner.Update(msg)
		return b, cmd
	}

	if b.app != nil {
		var cmd tea.Cmd
		b.app, cmd = b.app.Update(msg)
		return b, cmd
	}
	return b, nil
}

// View renders the layout frame around the app's view.
func (b Base) View() string {
	if b.Err != nil {
		body := ErrorStyle.Render("Error: "+b.Err.Error()) + "\n\nPress esc to quit.\n"
		return b.Layout.Render(body, "esc: quit")
	}
	if b.app != nil {
		body, help := b.app.View()
		return b.Layout.Render(body, help)
	}
	return b.Layout.Render("", "")
}

// Run creates a tea.Program on the alternate screen and runs it.
func (b Base) Run() error {
	p := tea.NewProgram(b, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
