// Package ui is a read-only terminal dashboard for `opensprint-orchestrator
// status --watch`. It renders the same StatusSnapshot/Slot state the
// Orchestrator's JSON status endpoint returns, polled on an interval
// rather than pushed, since the websocket transport is an external
// collaborator rather than part of the Execute core.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TaskView is one active task row, decoded from the orchestrator's JSON
// status response.
type TaskView struct {
	TaskID       string    `json:"TaskID"`
	Title        string    `json:"Title"`
	BranchName   string    `json:"BranchName"`
	WorktreePath string    `json:"WorktreePath"`
	Attempt      int       `json:"Attempt"`
	Phase        string    `json:"Phase"`
	StartedAt    time.Time `json:"StartedAt"`
}

// StatusView mirrors runner.StatusSnapshot for JSON decoding in the CLI
// without importing the runner package from a terminal-rendering one.
type StatusView struct {
	ActiveTasks []TaskView `json:"ActiveTasks"`
	QueueDepth  int        `json:"QueueDepth"`
	TotalDone   int64      `json:"TotalDone"`
	TotalFailed int64      `json:"TotalFailed"`
}

// Fetcher retrieves the latest status for the project being watched.
type Fetcher func() (StatusView, error)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	phaseStyle  = map[string]lipgloss.Style{
		"coding": lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"review": lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		"rebase": lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

type statusKeyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var statusKeys = statusKeyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

type tickMsg time.Time

type statusMsg struct {
	view StatusView
	err  error
}

// Model is the Bubble Tea model backing the dashboard.
type Model struct {
	project  string
	fetch    Fetcher
	interval time.Duration

	spinner spinner.Model
	loading bool
	view    StatusView
	err     error
}

// NewModel constructs a dashboard Model polling fetch every interval.
func NewModel(project string, fetch Fetcher, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{project: project, fetch: fetch, interval: interval, spinner: s, loading: true}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.spinner.Tick, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) }))
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		v, err := m.fetch()
		return statusMsg{view: v, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, statusKeys.Quit):
			return m, tea.Quit
		case key.Matches(msg, statusKeys.Refresh):
			return m, m.poll()
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) }))
	case statusMsg:
		m.loading = false
		m.view = msg.view
		m.err = msg.err
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", headerStyle.Render(fmt.Sprintf("opensprint — %s", m.project)))
	if m.loading {
		fmt.Fprintf(&b, "%s loading…\n", m.spinner.View())
		return b.String()
	}
	if m.err != nil {
		fmt.Fprintf(&b, "%s\n", errStyle.Render("error: "+m.err.Error()))
		return b.String()
	}

	fmt.Fprintf(&b, "%s\n\n", dimStyle.Render(fmt.Sprintf(
		"queue depth %d · done %d · failed %d", m.view.QueueDepth, m.view.TotalDone, m.view.TotalFailed)))

	tasks := append([]TaskView(nil), m.view.ActiveTasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })

	if len(tasks) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("  (no active slots)"))
	}
	for _, t := range tasks {
		style := phaseStyle[t.Phase]
		phase := style.Render(fmt.Sprintf("%-7s", t.Phase))
		fmt.Fprintf(&b, "  %-10s %s attempt %-2d  %s\n", t.TaskID, phase, t.Attempt, t.Title)
	}

	fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(fmt.Sprintf("%s · %s",
		statusKeys.Refresh.Help().Key+" "+statusKeys.Refresh.Help().Desc,
		statusKeys.Quit.Help().Key+" "+statusKeys.Quit.Help().Desc)))
	return b.String()
}

// Run starts the dashboard program and blocks until the user quits.
func Run(m Model) error {
	_, err := tea.NewProgram(m).Run()
	return err
}
