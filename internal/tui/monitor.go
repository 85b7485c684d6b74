// Package tui implements the offload watch monitor.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/offload/internal/api"
	"github.com/mattjoyce/offload/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 2 * time.Second
)

// Model is the BubbleTea model for the monitor.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	pool        api.PoolResponse
	connected   bool
	lastEventID int64
	eventLog    []events.Event
	lastError   string

	workers table.Model
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
}

// NewMonitor creates a monitor for the server at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Slot", Width: 4},
			{Title: "ST", Width: 2},
			{Title: "State", Width: 10},
			{Title: "Worker", Width: 36},
			{Title: "Jobs", Width: 5},
		}),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		workers:   t,
		spinner:   sp,
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchPool(m.apiURL, m.apiKey) },
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetWidth(m.width - 6)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case poolMsg:
		m.pool = api.PoolResponse(msg)
		m.connected = true
		m.lastError = ""
		m.workers.SetRows(m.workerRows())
		return m, m.schedulePoll()

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastEventID, m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, m.schedulePoll()
	}

	return m, nil
}

func (m Model) schedulePoll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return fetchPool(m.apiURL, m.apiKey)
	})
}

func (m Model) workerRows() []table.Row {
	rows := make([]table.Row, 0, len(m.pool.Workers))
	for _, w := range m.pool.Workers {
		sym := m.theme.StatusOK.Render("●")
		switch {
		case !w.Healthy:
			sym = m.theme.StatusFailed.Render("∅")
		case w.State == "leased":
			sym = m.theme.StatusBusy.Render("◉")
		}
		jobs := "-"
		if w.Jobs != nil {
			jobs = strconv.Itoa(*w.Jobs)
		}
		rows = append(rows, table.Row{strconv.Itoa(w.Slot), sym, w.State, w.WorkerID, jobs})
	}
	return rows
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	workers := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Workers"),
			m.workers.View(),
		),
	)
	eventsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	parts := []string{m.renderHeader(), workers, eventsView}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	st := m.pool.Stats
	status := m.theme.StatusOK.Render("RUNNING")
	switch {
	case !m.connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case st.Closed:
		status = m.theme.StatusFailed.Render("CLOSED")
	case st.Replacing > 0:
		status = m.theme.StatusBusy.Render("DEGRADED")
	}

	title := fmt.Sprintf(" OFFLOAD WATCH %s  %s", m.spinner.View(), m.theme.Dim.Render(m.apiURL))
	pool := fmt.Sprintf(" %s  isolation: %s  workers: %d  idle: %d  leased: %d  waiting: %d",
		status, m.pool.Isolation, st.Size, st.Idle, st.Leased, st.Waiting)
	jobs := fmt.Sprintf(" jobs: %d  replacements: %d  dispatched: %d  failed: %d  in flight: %d",
		st.Jobs, st.Replacements, m.pool.Dispatch.Dispatched, m.pool.Dispatch.Failed, m.pool.Dispatch.InFlight)

	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, pool, jobs))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-24s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
