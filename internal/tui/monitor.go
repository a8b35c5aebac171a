// Package tui is a terminal monitor for a running supervisor. It polls
// /status and follows the /events stream of the local API.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/plapperkasten/internal/feed"
)

const (
	pollInterval = 2 * time.Second
	maxLog       = 50
	shownLog     = 12
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusBusy = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// Model is the bubbletea model of the monitor.
type Model struct {
	apiURL string
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	status    statusMsg
	haveState bool
	connected bool
	lastErr   error

	log     []feed.Entry
	entries chan feed.Entry
	plugins table.Model
}

// NewMonitor returns a monitor for the API at apiURL.
func NewMonitor(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 18},
			{Title: "State", Width: 12},
			{Title: "Queued", Width: 6},
			{Title: "Events", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		apiURL:  strings.TrimRight(apiURL, "/"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(chan feed.Entry, 100),
		plugins: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.apiURL, m.entries),
		receive(m.entries),
		m.poll,
		tea.EnterAltScreen,
	)
}

func (m Model) poll() tea.Msg { return fetchStatus(m.apiURL) }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.plugins.SetWidth(max(m.width-6, 20))

	case entryMsg:
		m.connected = true
		m.log = append([]feed.Entry{feed.Entry(msg)}, m.log...)
		if len(m.log) > maxLog {
			m.log = m.log[:maxLog]
		}
		return m, receive(m.entries)

	case statusMsg:
		m.status = msg
		m.haveState = true
		m.lastErr = nil
		m.updateTable()
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return m, m.poll

	case errMsg:
		m.lastErr = msg.err
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case disconnectedMsg:
		m.connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnect{} })

	case reconnect:
		return m, subscribe(m.ctx, m.apiURL, m.entries)
	}

	var cmd tea.Cmd
	m.plugins, cmd = m.plugins.Update(msg)
	return m, cmd
}

type reconnect struct{}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.status.Plugins))
	for _, p := range m.status.Plugins {
		sym := statusOK.Render("●")
		switch {
		case !p.Linked || p.State == "stopped":
			sym = statusBad.Render("∅")
		case p.Busy:
			sym = statusBusy.Render("◉")
		case p.State == "starting" || p.State == "terminating":
			sym = statusDim.Render("○")
		}
		rows = append(rows, table.Row{
			sym,
			p.Name,
			p.State,
			strconv.Itoa(p.Queued),
			strings.Join(p.Events, ","),
		})
	}
	m.plugins.SetRows(rows)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	plugins := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Plugins"),
			m.plugins.View(),
		),
	)
	stream := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderLog(),
		),
	)
	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll plugins")

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), plugins, stream, help))
}

func (m Model) renderHeader() string {
	phase := statusDim.Render("UNKNOWN")
	if m.haveState {
		switch m.status.Phase {
		case "running":
			phase = statusOK.Render(strings.ToUpper(m.status.Phase))
		case "stopped":
			phase = statusBad.Render(strings.ToUpper(m.status.Phase))
		default:
			phase = statusBusy.Render(strings.ToUpper(m.status.Phase))
		}
	}
	if m.lastErr != nil {
		phase = statusBad.Render("UNREACHABLE")
	}
	feedState := statusBad.Render("down")
	if m.connected {
		feedState = statusOK.Render("live")
	}

	items := []string{
		fmt.Sprintf("Phase: %s", phase),
		fmt.Sprintf("Busy: %d", m.status.Busy),
		fmt.Sprintf("Queue: %d", m.status.MainQueue),
		fmt.Sprintf("Plugins: %d", len(m.status.Plugins)),
		fmt.Sprintf("Feed: %s", feedState),
	}
	w := (m.width - 4) / len(items)
	cells := make([]string, len(items))
	for i, it := range items {
		cells[i] = lipgloss.NewStyle().Width(w).Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderLog() string {
	var lines []string
	for i, e := range m.log {
		if i >= shownLog {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", e.At.Format("15:04:05"), e.Kind, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
