// Package tui implements the fontbridge terminal monitor.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fontbridge/internal/api"
)

const (
	maxRuns      = 200
	maxEventLog  = 50
	healthPeriod = 5 * time.Second
	retryDelay   = 2 * time.Second
)

// run is one finished execution as seen on the event stream.
type run struct {
	id       int64
	request  string
	op       string
	success  bool
	category string
	duration time.Duration
	at       time.Time
}

// Model is the bubbletea model for `fontbridge monitor`.
type Model struct {
	apiURL string
	token  string
	client *http.Client
	theme  Theme

	width  int
	height int

	health    api.HealthzResponse
	healthErr error
	connected bool
	lastID    int64
	lastErr   error

	runs      []run
	eventLog  []Event
	hubEvents chan Event
	succeeded int
	failed    int

	runTable table.Model
}

// NewMonitor returns a monitor for the API at apiURL.
func NewMonitor(apiURL, token string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Operation", Width: 24},
			{Title: "Outcome", Width: 26},
			{Title: "Duration", Width: 10},
			{Title: "At", Width: 8},
			{Title: "Request", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		token:     token,
		client:    &http.Client{},
		theme:     NewDefaultTheme(),
		hubEvents: make(chan Event, 100),
		runTable:  t,
	}
}

func (m *Model) Init() tea.Cmd {
	m.connected = true
	return tea.Batch(
		subscribeToEvents(m.client, m.apiURL, m.token, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollHealth(),
	)
}

func (m *Model) pollHealth() tea.Cmd {
	apiURL := m.apiURL
	return func() tea.Msg { return fetchHealth(apiURL) }
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)
		if h := m.height/2 - 6; h > 3 {
			m.runTable.SetHeight(h)
		}

	case eventMsg:
		m.handleEvent(Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.healthErr = nil
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case errMsg:
		m.healthErr = msg.err
		return m, tea.Tick(healthPeriod, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })

	case sseDisconnectedMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		m.connected = true
		return m, subscribeToEvents(m.client, m.apiURL, m.token, m.lastID, m.hubEvents)
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}

	m.eventLog = append([]Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	if e.Type != "operation.completed" {
		return
	}
	var ev api.ExecutionEvent
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, ev.At)
	if err != nil {
		at = time.Now()
	}

	r := run{
		id:       e.ID,
		request:  ev.RequestID,
		op:       ev.Operation,
		success:  ev.Success,
		category: ev.Category,
		duration: time.Duration(ev.DurationMS) * time.Millisecond,
		at:       at,
	}
	if r.success {
		m.succeeded++
	} else {
		m.failed++
	}

	m.runs = append([]run{r}, m.runs...)
	if len(m.runs) > maxRuns {
		m.runs = m.runs[:maxRuns]
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.runs))
	for _, r := range m.runs {
		rows = append(rows, m.runToRow(r))
	}
	m.runTable.SetRows(rows)
}

func (m *Model) runToRow(r run) table.Row {
	status := m.theme.StatusOK.Render("●")
	outcome := "ok"
	if !r.success {
		status = m.theme.StatusFailed.Render("∅")
		outcome = r.category
		if outcome == "" {
			outcome = "failed"
		}
	}

	request := r.request
	if len(request) > 12 {
		request = request[len(request)-12:]
	}

	return table.Row{
		status,
		r.op,
		outcome,
		r.duration.Round(time.Millisecond).String(),
		r.at.Local().Format("15:04:05"),
		request,
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	frame := m.theme.Frame.Width(m.width - 4)

	runs := frame.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Executions"),
			m.runTable.View(),
		),
	)
	eventsView := frame.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.renderEvents(),
		),
	)
	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			runs,
			eventsView,
			help,
		),
	)
}

func (m *Model) renderHeader() string {
	status := m.theme.StatusOK.Render("RUNNING")
	switch {
	case m.healthErr != nil:
		status = m.theme.StatusFailed.Render("UNREACHABLE")
	case m.health.Status != "" && m.health.Status != "ok":
		status = m.theme.StatusFailed.Render("DEGRADED")
	}

	stream := m.theme.StatusOK.Render("live")
	if !m.connected {
		stream = m.theme.StatusRunning.Render("reconnecting")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Slots: %d/%d", m.health.SlotsInUse, m.health.SlotCapacity),
		fmt.Sprintf("Ops: %d", m.health.Operations),
		fmt.Sprintf("Runs: %s %s",
			m.theme.StatusOK.Render(fmt.Sprint(m.succeeded)),
			m.theme.StatusFailed.Render(fmt.Sprint(m.failed))),
		fmt.Sprintf("Stream: %s", stream),
	}

	cellWidth := (m.width - 4) / len(items)
	cells := make([]string, 0, len(items))
	for _, item := range items {
		cells = append(cells, lipgloss.NewStyle().Width(cellWidth).Render(item))
	}
	return m.theme.Frame.Width(m.width - 4).Render(
		lipgloss.JoinHorizontal(lipgloss.Top, cells...),
	)
}

func (m *Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%6d | %-20s | %s", e.ID, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// Run starts the monitor on the terminal until the user quits.
func Run(apiURL, token string) error {
	p := tea.NewProgram(NewMonitor(apiURL, token), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
