package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

const (
	refreshInterval = 2 * time.Second
	minTableHeight  = 4
	mailPanelLines  = 5
	queuePanelLines = 5
)

// Model is the bubbletea model for the fleet dashboard.
type Model struct {
	sources Sources

	table table.Model
	spin  spinner.Model
	help  help.Model
	keys  KeyMap

	snap    Snapshot
	loaded  bool
	lastErr error

	width    int
	height   int
	showHelp bool
}

// NewModel creates the dashboard model over the given stores.
func NewModel(sources Sources) *Model {
	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "AGENT", Width: 16},
			{Title: "CAP", Width: 11},
			{Title: "STATE", Width: 9},
			{Title: "BEAD", Width: 10},
			{Title: "ACTIVITY", Width: 8},
			{Title: "PARENT", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(minTableHeight),
	)

	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(style.Info),
	)

	h := help.New()
	h.ShowAll = false

	return &Model{
		sources: sources,
		table:   tbl,
		spin:    sp,
		help:    h,
		keys:    DefaultKeyMap(),
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(sources Sources) error {
	p := tea.NewProgram(NewModel(sources), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}

// snapshotMsg carries a fresh snapshot, or the error collecting it.
type snapshotMsg struct {
	snap Snapshot
	err  error
}

// tickMsg schedules the next refresh.
type tickMsg time.Time

// Init kicks off the first snapshot and the spinner.
func (m *Model) Init() tea.Cmd {
	title := "overstory"
	if m.sources.Project != "" {
		title += " " + m.sources.Project
	}
	return tea.Batch(
		m.spin.Tick,
		m.refresh(),
		tea.SetWindowTitle(title),
	)
}

// refresh returns a command that collects a snapshot off the UI loop.
func (m *Model) refresh() tea.Cmd {
	src := m.sources
	return func() tea.Msg {
		snap, err := src.Collect()
		return snapshotMsg{snap: snap, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.layout()
		return m, nil

	case snapshotMsg:
		if msg.err != nil {
			// Keep the previous view; surface the error in the footer.
			m.lastErr = msg.err
		} else {
			m.lastErr = nil
			m.snap = msg.snap
			m.loaded = true
			m.table.SetRows(sessionRows(msg.snap.Sessions, time.Now()))
		}
		return m, tick()

	case tickMsg:
		return m, m.refresh()

	case spinner.TickMsg:
		if m.loaded {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m *Model) View() string {
	if !m.loaded {
		line := "\n  " + m.spin.View() + " collecting fleet state...\n"
		if m.lastErr != nil {
			line += "  " + style.Warning.Render(m.lastErr.Error()) + "\n"
		}
		return line
	}

	var b strings.Builder
	b.WriteString(m.headerView() + "\n")
	b.WriteString(m.table.View() + "\n\n")
	b.WriteString(m.mailView())
	b.WriteString(m.queueView())
	if m.lastErr != nil {
		b.WriteString(style.Warning.Render("snapshot failed: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *Model) headerView() string {
	parts := []string{style.Bold.Render("overstory " + m.snap.Project)}
	if m.snap.CurrentRun != "" {
		parts = append(parts, style.Dim.Render("run "+m.snap.CurrentRun))
	}
	parts = append(parts, stateCounts(m.snap.Sessions))
	parts = append(parts, style.Dim.Render(m.snap.TakenAt.Format("15:04:05")))
	return strings.Join(parts, style.Dim.Render("  |  "))
}

func (m *Model) mailView() string {
	var b strings.Builder
	b.WriteString(style.Bold.Render("Mail") + "\n")
	if len(m.snap.Mail) == 0 {
		b.WriteString(style.Dim.Render("  (quiet)") + "\n\n")
		return b.String()
	}
	rows := m.snap.Mail
	if len(rows) > mailPanelLines {
		rows = rows[:mailPanelLines]
	}
	for _, msg := range rows {
		marker := " "
		if msg.Unread {
			marker = style.Info.Render("*")
		}
		fmt.Fprintf(&b, "%s %s %s → %s  %s\n",
			marker,
			style.Dim.Render(msg.CreatedAt.Format("15:04")),
			msg.From,
			msg.To,
			clip(msg.Subject, m.subjectWidth()))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) queueView() string {
	var b strings.Builder
	b.WriteString(style.Bold.Render("Merge queue") + "\n")
	if len(m.snap.Queue) == 0 {
		b.WriteString(style.Dim.Render("  (empty)") + "\n\n")
		return b.String()
	}
	rows := m.snap.Queue
	if len(rows) > queuePanelLines {
		rows = rows[:queuePanelLines]
	}
	for _, q := range rows {
		status := q.Status
		if q.Tier != "" {
			status += "/" + q.Tier
		}
		fmt.Fprintf(&b, "  %s  %s", clip(q.Branch, 40), queueStatusStyle(q.Status).Render(status))
		if q.Error != "" {
			fmt.Fprintf(&b, "  %s", style.Dim.Render(clip(q.Error, m.subjectWidth())))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// subjectWidth bounds free-text columns to the terminal width.
func (m *Model) subjectWidth() int {
	w := m.width - 36
	if w < 20 {
		w = 20
	}
	return w
}

// layout sizes the session table to the space the panels leave over.
func (m *Model) layout() {
	if m.width > 0 {
		m.table.SetWidth(m.width)
	}
	chrome := 2 + (mailPanelLines + 2) + (queuePanelLines + 2) + 2
	h := m.height - chrome
	if h < minTableHeight {
		h = minTableHeight
	}
	m.table.SetHeight(h)
}

func sessionRows(sessions []SessionRow, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		bead := s.BeadID
		if bead == "" {
			bead = "-"
		}
		rows = append(rows, table.Row{
			s.Agent,
			s.Capability,
			style.StateStyle(s.State).Render(s.State),
			bead,
			humanAge(s.LastActivity, now),
			s.Parent,
		})
	}
	return rows
}

func stateCounts(sessions []SessionRow) string {
	counts := map[string]int{}
	for _, s := range sessions {
		counts[s.State]++
	}
	var parts []string
	for _, state := range []string{"booting", "working", "stalled"} {
		if n := counts[state]; n > 0 {
			parts = append(parts, style.StateStyle(state).Render(fmt.Sprintf("%d %s", n, state)))
		}
	}
	if len(parts) == 0 {
		return style.Dim.Render("no active sessions")
	}
	return strings.Join(parts, " ")
}

func queueStatusStyle(status string) lipgloss.Style {
	switch status {
	case store.MergeConflict, store.MergeFailed:
		return style.Red
	case store.MergeMerging:
		return style.Yellow
	default:
		return style.Dim
	}
}

// humanAge renders a duration since t compactly.
func humanAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// clip truncates s to max runes with an ellipsis.
func clip(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
