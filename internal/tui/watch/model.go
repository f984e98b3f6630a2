package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/workfarm/internal/events"
)

const eventLogSize = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	farms    []farmView
	refs     []workerRef
	summary  Summary
	eventLog []events.Event
	lastID   int64

	workers    table.Model
	spinner    Spinner
	throughput Throughput
	theme      Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		client:     NewClient(apiURL, apiKey),
		hubEvents:  make(chan events.Event, 100),
		workers:    newWorkerTable(),
		throughput: NewThroughput(10 * time.Second),
		theme:      NewDefaultTheme(),
		now:        time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchFarms(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "x":
			if i := m.workers.Cursor(); i >= 0 && i < len(m.refs) {
				ref := m.refs[i]
				return m, killWorker(m.client, ref.farmID, ref.workerID)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		now := time.Time(msg)
		m.spinner.Decay(now)
		m.summary.Rate = m.throughput.Rate(now)
		return m, tea.Batch(fetchFarms(m.client), tick())

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case farmsMsg:
		m.applyFarms(msg)

	case workerKilledMsg:
		m.lastError = ""
		return m, fetchFarms(m.client)

	case sseDisconnectedMsg:
		m.summary.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m *Model) applyEvent(e events.Event) {
	if e.ID <= m.lastID {
		return
	}
	m.lastID = e.ID

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.spinner.OnEvent(m.now())

	switch e.Kind {
	case events.CallSettled:
		m.throughput.Add(m.now())
		if e.Outcome == events.OutcomeRejected {
			m.summary.Rejected++
		} else {
			m.summary.Resolved++
		}
	case events.CallRetried:
		m.summary.Retried++
	}

	m.summary.Connected = true
	m.lastError = ""
}

func (m *Model) applyFarms(farms []farmView) {
	counts := summarize(farms)
	m.summary.Farms = counts.Farms
	m.summary.Workers = counts.Workers
	m.summary.Queue = counts.Queue
	m.summary.Pending = counts.Pending
	m.summary.Connected = true

	m.farms = farms
	var rows []table.Row
	rows, m.refs = workerRows(farms, m.now())
	m.workers.SetRows(rows)
	if m.workers.Cursor() >= len(rows) {
		m.workers.SetCursor(max(0, len(rows)-1))
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to workfarm..."
	}

	parts := []string{
		renderHeader(m.summary, m.spinner, m.theme, m.width, m.now()),
		renderWorkers(m.workers, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select worker • [x] Kill worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
