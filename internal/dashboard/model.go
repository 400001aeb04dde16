// Package dashboard is an optional Bubble Tea live view over a running
// campaign's stats, adapted from the teacher's internal/tui screen-stack
// pattern down to a single self-refreshing screen.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/LockOne/parmesan/internal/depot"
	"github.com/LockOne/parmesan/internal/stats"
)

// Stopper is the subset of *pool.Pool the dashboard needs: a way to ask
// the campaign to wind down when the user quits the view. Accepting an
// interface here (rather than importing internal/pool directly) keeps
// the dashboard usable in tests without a real worker pool.
type Stopper interface {
	Stop()
}

// refreshInterval is how often the model polls ChartStats/Depot for a
// fresh snapshot, mirroring angora.csv's periodic-dump cadence.
const refreshInterval = time.Second

// tickMsg requests the next snapshot refresh.
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the top-level Bubble Tea model for the fuzzing dashboard.
type Model struct {
	runID   string
	started time.Time

	chart *stats.ChartStats
	depot *depot.Depot
	pool  Stopper

	snapshot stats.Snapshot
	inputs   uint64
	hangs    uint64
	crashes  uint64

	spin spinner.Model

	width, height int
	quitting      bool
}

// New builds a dashboard model. runID is stamped into the title (e.g. a
// uuid minted once at startup, see cmd/parmesan).
func New(runID string, chart *stats.ChartStats, d *depot.Depot, pool Stopper) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleSuccess
	return Model{
		runID:   runID,
		started: time.Now(),
		chart:   chart,
		depot:   d,
		pool:    pool,
		spin:    s,
	}
}

// Run starts the dashboard in the alt screen and blocks until the user
// quits, mirroring the teacher's `tea.NewProgram(..., tea.WithAltScreen())`
// entrypoint.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spin.Tick)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.pool != nil {
				m.pool.Stop()
			}
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		if m.chart != nil {
			m.snapshot = m.chart.Snapshot()
		}
		if m.depot != nil {
			m.inputs, m.hangs, m.crashes = m.depot.Counts()
		}
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "shutting down...\n"
	}

	var b strings.Builder
	title := "parmesan"
	if m.runID != "" {
		title = fmt.Sprintf("parmesan — %s", m.runID)
	}
	b.WriteString(styleTitle.Render(title))
	b.WriteString(" " + m.spin.View())
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s %s\n", styleLabel.Render("uptime:"), time.Since(m.started).Truncate(time.Second))
	fmt.Fprintf(&b, "%s %d  %s %.1f/s\n",
		styleLabel.Render("execs:"), m.snapshot.NumExec,
		styleLabel.Render("rate:"), m.snapshot.ExecPerSec)
	fmt.Fprintf(&b, "%s %s %d  %s %d  %s %d\n",
		styleLabel.Render("queue:"),
		styleSuccess.Render("inputs"), m.inputs,
		styleWarning.Render("hangs"), m.hangs,
		styleError.Render("crashes"), m.crashes)
	fmt.Fprintf(&b, "%s %d  %s %d  %s %d\n",
		styleLabel.Render("found normal:"), m.snapshot.FindNormal,
		styleLabel.Render("timeout:"), m.snapshot.FindTimeout,
		styleLabel.Render("crash:"), m.snapshot.FindCrash)
	fmt.Fprintf(&b, "%s %.1f  %s %s\n",
		styleLabel.Render("avg edges/run:"), m.snapshot.AvgEdgeNum,
		styleLabel.Render("avg exec time:"), time.Duration(m.snapshot.AvgExecTime*float64(time.Microsecond)).Truncate(time.Microsecond))

	b.WriteString(styleHelpBar.Render("\nq: quit"))
	return b.String()
}
