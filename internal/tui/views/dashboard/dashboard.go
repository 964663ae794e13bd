// Package dashboard renders the main table: admitted sessions while hosting,
// discovered hosts otherwise.
package dashboard

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/session"
	"github.com/stocker/lanlink/internal/tui/theme"
)

type Mode int

const (
	ModeHosts Mode = iota
	ModeSessions
)

var (
	sessionColumns = []table.Column{
		{Title: "User", Width: 12},
		{Title: "Device", Width: 18},
		{Title: "Address", Width: 21},
		{Title: "Status", Width: 14},
		{Title: "Last beat", Width: 10},
	}
	hostColumns = []table.Column{
		{Title: "Host", Width: 16},
		{Title: "Address", Width: 21},
		{Title: "Database", Width: 14},
		{Title: "Seats", Width: 7},
		{Title: "Version", Width: 10},
	}
)

type Model struct {
	Width int

	mode     Mode
	table    table.Model
	sessions []session.ClientSession
	hosts    []discovery.DiscoveredHost
	now      func() time.Time
}

func New() Model {
	t := table.New(
		table.WithColumns(hostColumns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(theme.ColorBright).
		Background(theme.ColorHost)
	t.SetStyles(styles)
	return Model{table: t, now: time.Now}
}

func (m Model) Mode() Mode { return m.mode }

// SetSessions switches to the session table, oldest connection first.
func (m *Model) SetSessions(list []session.ClientSession) {
	m.sessions = append([]session.ClientSession(nil), list...)
	sort.Slice(m.sessions, func(i, j int) bool {
		return m.sessions[i].ConnectedAt.Before(m.sessions[j].ConnectedAt)
	})
	rows := make([]table.Row, 0, len(m.sessions))
	for _, s := range m.sessions {
		rows = append(rows, table.Row{
			s.UserID,
			s.DeviceName,
			s.RemoteAddr,
			s.Status.String(),
			m.ago(s.LastHeartbeatAt),
		})
	}
	m.setTable(ModeSessions, sessionColumns, rows)
}

// SetHosts switches to the discovered host table, by name.
func (m *Model) SetHosts(list []discovery.DiscoveredHost) {
	m.hosts = append([]discovery.DiscoveredHost(nil), list...)
	sort.Slice(m.hosts, func(i, j int) bool { return m.hosts[i].HostName < m.hosts[j].HostName })
	rows := make([]table.Row, 0, len(m.hosts))
	for _, h := range m.hosts {
		rows = append(rows, table.Row{
			h.HostName,
			h.Addr(),
			h.DatabaseIdentity,
			fmt.Sprintf("%d/%d", h.ActiveSeats, h.MaxSeats),
			h.AppVersion,
		})
	}
	m.setTable(ModeHosts, hostColumns, rows)
}

func (m *Model) setTable(mode Mode, cols []table.Column, rows []table.Row) {
	cursor := m.table.Cursor()
	if mode != m.mode {
		// Rows must never be wider than the columns being rendered.
		m.table.SetRows(nil)
		m.table.SetColumns(cols)
		cursor = 0
	}
	m.mode = mode
	m.table.SetRows(rows)
	if cursor >= len(rows) {
		cursor = max(len(rows)-1, 0)
	}
	m.table.SetCursor(cursor)
}

func (m *Model) MoveUp()   { m.table.MoveUp(1) }
func (m *Model) MoveDown() { m.table.MoveDown(1) }

func (m Model) SelectedSession() (session.ClientSession, bool) {
	i := m.table.Cursor()
	if m.mode != ModeSessions || i < 0 || i >= len(m.sessions) {
		return session.ClientSession{}, false
	}
	return m.sessions[i], true
}

func (m Model) SelectedHost() (discovery.DiscoveredHost, bool) {
	i := m.table.Cursor()
	if m.mode != ModeHosts || i < 0 || i >= len(m.hosts) {
		return discovery.DiscoveredHost{}, false
	}
	return m.hosts[i], true
}

func (m Model) View() string {
	title := "DISCOVERED HOSTS"
	empty := "No hosts heard yet. Press b to browse."
	n := len(m.hosts)
	if m.mode == ModeSessions {
		title = "SESSIONS"
		empty = "No clients connected."
		n = len(m.sessions)
	}

	body := m.table.View()
	if n == 0 {
		body = theme.StyleDimmed.Render("  " + empty)
	}
	return theme.StyleBorder.Width(max(m.Width-2, 40)).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.StyleHeader.Render(title), body),
	)
}

func (m Model) ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := m.now().Sub(t).Truncate(time.Second)
	if d < time.Second {
		return "now"
	}
	return d.String()
}
