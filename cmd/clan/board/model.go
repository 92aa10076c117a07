package board

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/gezibash/clan/cmd/clan/render"
	"github.com/gezibash/clan/cmd/clan/tui"
	"github.com/gezibash/clan/internal/approval"
)

// Source is where the board reads requests and sends votes: the local
// node or a remote server.
type Source interface {
	Requests(ctx context.Context, scope string, opts approval.ListOptions) ([]*approval.Request, error)
	Approve(ctx context.Context, scope, id string) (*approval.Request, error)
	Reject(ctx context.Context, scope, id string) (*approval.Request, error)
}

type requestsMsg struct {
	list []*approval.Request
	err  error
}

type votedMsg struct {
	req     *approval.Request
	approve bool
	err     error
}

// model is the approvals board: a list of requests with a detail pane for
// the one under the cursor.
type model struct {
	ctx     context.Context
	src     Source
	scope   string
	layout  *tui.Layout
	now     func() time.Time
	all     bool
	loaded  bool
	list    []*approval.Request
	cursor  int
	busy    bool
	notice  string
	lastErr error
}

func newModel(ctx context.Context, src Source, scope string, layout *tui.Layout) *model {
	return &model{ctx: ctx, src: src, scope: scope, layout: layout, now: time.Now}
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) CanQuit() bool { return !m.busy }

func (m *model) Refresh() tea.Cmd {
	opts := approval.ListOptions{Status: approval.StatusPending}
	if m.all {
		opts.Status = ""
	}
	ctx, src, scope := m.ctx, m.src, m.scope
	return func() tea.Msg {
		list, err := src.Requests(ctx, scope, opts)
		return requestsMsg{list: list, err: err}
	}
}

func (m *model) vote(approve bool) tea.Cmd {
	if m.busy || m.cursor >= len(m.list) {
		return nil
	}
	req := m.list[m.cursor]
	if req.Status != approval.StatusPending {
		m.notice = fmt.Sprintf("%s is %s", render.ShortID(req.ID), req.Status)
		return nil
	}
	m.busy = true
	ctx, src, scope, id := m.ctx, m.src, m.scope, req.ID
	return func() tea.Msg {
		var (
			r   *approval.Request
			err error
		)
		if approve {
			r, err = src.Approve(ctx, scope, id)
		} else {
			r, err = src.Reject(ctx, scope, id)
		}
		return votedMsg{req: r, approve: approve, err: err}
	}
}

func (m *model) Update(msg tea.Msg) (tui.App, tea.Cmd) {
	switch msg := msg.(type) {
	case requestsMsg:
		m.loaded = true
		ok := msg.err == nil
		if ok {
			m.list = msg.list
			m.lastErr = nil
			m.cursor = min(m.cursor, max(len(m.list)-1, 0))
		} else {
			m.lastErr = msg.err
		}
		return m, func() tea.Msg { return tui.LiveMsg{OK: ok} }

	case votedMsg:
		m.busy = false
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		verb := "Rejected"
		if msg.approve {
			verb = "Approved"
		}
		m.notice = fmt.Sprintf("%s %s: %s %s", verb, render.ShortID(msg.req.ID), msg.req.Status, render.Votes(msg.req))
		return m, m.Refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.list)-1 {
				m.cursor++
			}
		case "a":
			return m, m.vote(true)
		case "x":
			return m, m.vote(false)
		case "tab":
			m.all = !m.all
			m.cursor = 0
			return m, m.Refresh()
		case "r":
			return m, m.Refresh()
		}
	}
	return m, nil
}

func (m *model) View() (string, string) {
	help := "↑/↓: move · a: approve · x: reject · tab: pending/all · r: refresh · q: quit"
	if !m.loaded {
		return tui.SubtitleStyle.Render("Loading requests…"), help
	}

	width, height := m.layout.BodySize()
	var b strings.Builder

	filter := "pending"
	if m.all {
		filter = "all"
	}
	b.WriteString(tui.TitleStyle.Render("Requests") + tui.SubtitleStyle.Render(fmt.Sprintf("  %s · %d", filter, len(m.list))) + "\n\n")

	if len(m.list) == 0 {
		b.WriteString(tui.SubtitleStyle.Render("Nothing awaiting a vote.") + "\n")
	}

	// Keep the cursor in view; the detail pane takes the lower part.
	rows := max(height/2-3, 3)
	start := 0
	if m.cursor >= rows {
		start = m.cursor - rows + 1
	}
	for i := start; i < len(m.list) && i < start+rows; i++ {
		b.WriteString(m.row(i, width) + "\n")
	}

	if m.cursor < len(m.list) {
		b.WriteString("\n" + m.detail(m.list[m.cursor], width))
	}

	switch {
	case m.lastErr != nil:
		b.WriteString("\n" + tui.ErrorStyle.Render(truncate.StringWithTail(m.lastErr.Error(), uint(width), "…")))
	case m.notice != "":
		b.WriteString("\n" + tui.NoticeStyle.Render(m.notice))
	}
	return b.String(), help
}

func (m *model) row(i, width int) string {
	r := m.list[i]
	status := string(r.Status)
	if r.Executed {
		status = "executed"
	}
	cursor := "  "
	if i == m.cursor {
		cursor = tui.CursorStyle.Render("▸ ")
	}
	line := fmt.Sprintf("%s  %-16s %s  %-5s %s",
		render.ShortID(r.ID),
		r.Action,
		tui.StatusStyle(status).Render(fmt.Sprintf("%-8s", status)),
		render.Votes(r),
		tui.AgeStyle.Render(render.RelativeTime(m.now(), r.CreatedAt)),
	)
	return cursor + truncate.StringWithTail(line, uint(max(width-2, 10)), "…")
}

func (m *model) detail(r *approval.Request, width int) string {
	var b strings.Builder
	field := func(k, v string) {
		b.WriteString(tui.SubtitleStyle.Render(fmt.Sprintf("%-11s", k)) + v + "\n")
	}
	field("id", r.ID)
	field("requester", render.TruncateHexValue(r.Requester))
	field("approvals", render.Actors(r.Approvals.Items()))
	field("rejections", render.Actors(r.Rejections.Items()))
	if len(r.Payload) > 0 {
		b.WriteString(tui.SubtitleStyle.Render("payload") + "\n")
		b.WriteString(wordwrap.String(string(r.Payload), max(width-2, 20)) + "\n")
	}
	if r.LastError != "" {
		field("last error", tui.ErrorStyle.Render(r.LastError))
	}
	return b.String()
}
