// Package ui renders a read-only terminal dashboard over the
// orchestration core: pool slots, agents with their run metrics, worktree
// and feature state, and the tail of the event journal. Everything is
// snapshot-driven; the dashboard mutates nothing.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"

	"github.com/ByteMirror/agentmux/agent"
	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/pool"
	"github.com/ByteMirror/agentmux/workspace"
	"github.com/ByteMirror/agentmux/worktree"
)

const (
	defaultRefresh = 500 * time.Millisecond
	maxEventLines  = 8
)

// Snapshot is one consistent view of the core, produced by the fetch
// callback on every refresh tick.
type Snapshot struct {
	Agents    []*agent.Agent
	Pool      pool.Stats
	Worktrees worktree.Stats
	Features  []*workspace.MultiRepoWorktree
	Totals    agent.Metrics
	Events    []events.Event
	Err       error
}

type refreshMsg struct{}

// Monitor is the bubbletea model for the dashboard.
type Monitor struct {
	fetch    func() Snapshot
	interval time.Duration
	spin     spinner.Model

	snap   Snapshot
	loaded bool
	width  int
	height int
}

// NewMonitor builds a dashboard that calls fetch on every refresh tick.
func NewMonitor(fetch func() Snapshot) *Monitor {
	return &Monitor{
		fetch:    fetch,
		interval: defaultRefresh,
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		width:    80,
	}
}

// Run blocks until the user quits.
func Run(fetch func() Snapshot) error {
	p := tea.NewProgram(NewMonitor(fetch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m *Monitor) refreshCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		func() tea.Msg { return refreshMsg{} },
	)
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case refreshMsg:
		m.snap = m.fetch()
		m.loaded = true
		return m, m.refreshCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Monitor) View() string {
	if !m.loaded {
		return "\n  " + m.spin.View() + "loading…\n"
	}

	var b strings.Builder
	m.renderHeader(&b)
	m.renderAgents(&b)
	m.renderWorktrees(&b)
	m.renderEvents(&b)

	if m.snap.Err != nil {
		b.WriteString("\n" + errorStyle.Render(wordwrap.String("  "+m.snap.Err.Error(), m.width)) + "\n")
	}
	b.WriteString("\n" + footerStyle.Render("  q quit") + "\n")
	return b.String()
}

func (m *Monitor) renderHeader(b *strings.Builder) {
	title := gradientText("agentmux", "#F0A868", "#7EC8D8")
	clock := clockStyle.Render(time.Now().Format("15:04:05"))
	gap := m.width - 2 - runewidth.StringWidth("agentmux") - runewidth.StringWidth(time.Now().Format("15:04:05"))
	if gap < 1 {
		gap = 1
	}
	fmt.Fprintf(b, "\n  %s%s%s\n", title, strings.Repeat(" ", gap), clock)

	p := m.snap.Pool
	bar := slotBar(p.Running, p.MaxConcurrent, 10)
	line := fmt.Sprintf("%s %d/%d running", bar, p.Running, p.MaxConcurrent)
	if p.Queued > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %d queued", p.Queued))
	}
	fmt.Fprintf(b, "  %s\n", line)
}

func (m *Monitor) renderAgents(b *strings.Builder) {
	fmt.Fprintf(b, "\n  %s\n", sectionStyle.Render("AGENTS"))
	if len(m.snap.Agents) == 0 {
		fmt.Fprintf(b, "  %s\n", dimStyle.Render("none yet"))
		return
	}

	titleW := m.width / 4
	if titleW < 12 {
		titleW = 12
	}
	for _, a := range m.snap.Agents {
		icon := m.statusIcon(a.Status)
		name := a.Title
		if name == "" {
			name = a.ID
		}
		name = runewidth.FillRight(runewidth.Truncate(name, titleW, "…"), titleW)

		meta := fmt.Sprintf("%-9s  $%.4f  %s tok  %d tools  %s",
			a.Status, a.Metrics.CostUSD, formatTokens(a.Metrics.TokensUsed),
			a.Metrics.ToolCalls, formatDuration(a.Metrics.DurationMS))
		line := fmt.Sprintf("  %s%s  %s", icon, name, dimStyle.Render(meta))
		b.WriteString(line + "\n")
		if a.Status == agent.StatusError && a.Error != "" {
			reason := runewidth.Truncate(a.Error, m.width-8, "…")
			fmt.Fprintf(b, "      %s\n", errorStyle.Render(reason))
		}
	}

	t := m.snap.Totals
	fmt.Fprintf(b, "  %s\n", dimStyle.Render(fmt.Sprintf(
		"total $%.4f · %s tok · %d tools", t.CostUSD, formatTokens(t.TokensUsed), t.ToolCalls)))
}

func (m *Monitor) renderWorktrees(b *strings.Builder) {
	w := m.snap.Worktrees
	header := fmt.Sprintf("WORKTREES %d", w.Total)
	fmt.Fprintf(b, "\n  %s", sectionStyle.Render(header))
	if w.Dirty > 0 {
		fmt.Fprintf(b, " %s", dirtyStyle.Render(fmt.Sprintf("(%d dirty)", w.Dirty)))
	}
	b.WriteString("\n")

	if len(w.ByRepo) > 0 {
		repos := make([]string, 0, len(w.ByRepo))
		for repo := range w.ByRepo {
			repos = append(repos, repo)
		}
		sort.Strings(repos)
		parts := make([]string, 0, len(repos))
		for _, repo := range repos {
			parts = append(parts, fmt.Sprintf("%s %d", shortPath(repo), w.ByRepo[repo]))
		}
		fmt.Fprintf(b, "  %s\n", dimStyle.Render(strings.Join(parts, " · ")))
	}

	for _, f := range m.snap.Features {
		fmt.Fprintf(b, "  %s %s\n",
			okStyle.Render(f.FeatureBranch),
			dimStyle.Render(strings.Join(f.RepoNames(), ", ")))
	}
}

func (m *Monitor) renderEvents(b *strings.Builder) {
	if len(m.snap.Events) == 0 {
		return
	}
	fmt.Fprintf(b, "\n  %s\n", sectionStyle.Render("EVENTS"))
	n := len(m.snap.Events)
	if n > maxEventLines {
		n = maxEventLines
	}
	for _, e := range m.snap.Events[:n] {
		who := e.AgentID
		if who == "" {
			who = e.Branch
		}
		line := fmt.Sprintf("%s  %-22s %s", e.At.Format("15:04:05"), e.Type, who)
		fmt.Fprintf(b, "  %s\n", dimStyle.Render(runewidth.Truncate(line, m.width-4, "…")))
	}
}

func (m *Monitor) statusIcon(s agent.Status) string {
	switch s {
	case agent.StatusWorking:
		return m.spin.View()
	case agent.StatusQueued:
		return queuedStyle.Render(iconQueued)
	case agent.StatusPaused:
		return pausedDimStyle.Render(iconPaused)
	case agent.StatusCompleted:
		return okStyle.Render(iconCompleted)
	case agent.StatusError:
		return errorStyle.Render(iconError)
	}
	return "  "
}

func formatTokens(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func formatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// shortPath keeps the last path element so repo lines stay narrow.
func shortPath(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 && i < len(p)-1 {
		return p[i+1:]
	}
	return p
}
