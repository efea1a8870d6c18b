// Package monitor implements the pipectl watch dashboard.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Model represents the BubbleTea dashboard model
type Model struct {
	src        Source
	serverURL  string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	runProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model polling src every interval.
func NewModel(src Source, serverURL string, interval time.Duration) Model {
	return Model{
		src:       src,
		serverURL: serverURL,
		interval:  interval,
		now:       time.Now,
		runProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(30),
		),
		snapshot: Snapshot{
			Counts:          make(map[orchestrator.Status]int),
			ActiveHistory:   make([]float64, 0, historySize),
			FinishedHistory: make([]float64, 0, historySize),
		},
	}
}

// StatusBadge renders a run status.
func StatusBadge(s orchestrator.Status) string {
	switch s {
	case orchestrator.StatusSucceeded:
		return healthyStyle.Render("✓ " + string(s))
	case orchestrator.StatusFailed:
		return errorStyle.Render("✗ " + string(s))
	case orchestrator.StatusPaused:
		return warningStyle.Render("⏸ " + string(s))
	case orchestrator.StatusRunning:
		return valueStyle.Render("▶ " + string(s))
	default:
		return dimStyle.Render("• " + string(s))
	}
}

// getHealthBadge returns overall server status badge
func getHealthBadge(status string) string {
	switch status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	}
	return errorStyle.Render("✗ " + strings.ToUpper(status))
}

// getRecoveryBadge flags runs that needed recovery.
func getRecoveryBadge(attempts int) string {
	switch {
	case attempts == 0:
		return healthyStyle.Render("[✓]")
	case attempts < 3:
		return warningStyle.Render(fmt.Sprintf("[%d]", attempts))
	}
	return errorStyle.Render(fmt.Sprintf("[%d]", attempts))
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.src),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch polls the server once.
func fetch(src Source) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		s, err := Collect(ctx, src)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(s)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.src)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.src),
		)

	case snapshotMsg:
		next := Snapshot(msg)

		// Preserve historical data and update ring buffers
		next.ActiveHistory = appendToHistory(m.snapshot.ActiveHistory, float64(next.Counts[orchestrator.StatusRunning]))
		finished := 0
		if !m.lastUpdate.IsZero() && next.Terminal > m.snapshot.Terminal {
			finished = next.Terminal - m.snapshot.Terminal
		}
		next.FinishedHistory = appendToHistory(m.snapshot.FinishedHistory, float64(finished))

		m.snapshot = next
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

// renderError renders the error view
func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("pipelined Monitor") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach pipelined") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(m.footer() + "\n")
	return containerStyle.Render(b.String())
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	s := m.snapshot
	now := m.now()
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	health := "unknown"
	if s.Health != "" {
		health = s.Health
	}
	b.WriteString(headerStyle.Render(" pipelined Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s\n", getHealthBadge(health), dimStyle.Render(lastUpdateStr)))
	for name, state := range s.Services {
		if state != "ok" {
			b.WriteString(labelStyle.Render("  "+name+": ") + errorStyle.Render(state) + "\n")
		}
	}

	// Run counts with sparklines
	b.WriteString("\n" + sectionStyle.Render("┃ Runs") + "\n")
	for _, st := range []orchestrator.Status{
		orchestrator.StatusPending,
		orchestrator.StatusRunning,
		orchestrator.StatusPaused,
		orchestrator.StatusSucceeded,
		orchestrator.StatusFailed,
	} {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", StatusBadge(st), valueStyle.Render(fmt.Sprintf("%d", s.Counts[st]))))
	}
	b.WriteString(labelStyle.Render("  Active:   ") + createSparkline(s.ActiveHistory) + "\n")
	b.WriteString(labelStyle.Render("  Finished: ") + createSparkline(s.FinishedHistory) + "\n")

	// In-flight runs with progress bars
	b.WriteString("\n" + sectionStyle.Render("┃ In Flight") + "\n")
	if len(s.Active) == 0 {
		b.WriteString(dimStyle.Render("  no running runs") + "\n")
	}
	for _, r := range s.Active {
		pct := r.Progress / 100
		if pct > 1 {
			pct = 1
		}
		b.WriteString(fmt.Sprintf("  %s %s %s %s %s %s\n",
			valueStyle.Render(ShortID(r.ID)),
			labelStyle.Render(fmt.Sprintf("%-16s", Truncate(r.Stage+"/"+r.Handler, 16))),
			m.runProgress.ViewAs(pct),
			dimStyle.Render(FormatPercentage(r.Progress)),
			getRecoveryBadge(r.Recovery),
			dimStyle.Render(FormatAge(r.StartedAt, now))))
	}

	// Approvals waiting on a reviewer
	b.WriteString("\n" + sectionStyle.Render(fmt.Sprintf("┃ Approvals (%d)", len(s.Pending))) + "\n")
	for _, p := range s.Pending {
		b.WriteString(fmt.Sprintf("  %s %s %s %s\n",
			warningStyle.Render(ShortID(p.RunID)),
			labelStyle.Render(p.Stage),
			valueStyle.Render(Truncate(p.Reason, 40)),
			dimStyle.Render(FormatAge(p.RequestedAt, now))))
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}
