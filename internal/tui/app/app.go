package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stocker/lanlink/internal/diag"
	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/hostserver"
	"github.com/stocker/lanlink/internal/netmgr"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/session"
	"github.com/stocker/lanlink/internal/store"
	"github.com/stocker/lanlink/internal/tui/theme"
	"github.com/stocker/lanlink/internal/tui/views/dashboard"
	"github.com/stocker/lanlink/internal/tui/views/debug"
	"github.com/stocker/lanlink/internal/tui/views/diagnostics"
	"github.com/stocker/lanlink/internal/tui/views/status"
)

// Backend is what the dashboard drives. *netmgr.Manager implements it.
type Backend interface {
	Status() netmgr.Status
	Health() ([]hostserver.LoopHealth, bool)
	Sessions() []session.ClientSession
	Browse(ctx context.Context, timeout time.Duration) ([]discovery.DiscoveredHost, error)
	AutoJoin(ctx context.Context) error
	BecomeHost(ctx context.Context) error
	StopHost(ctx context.Context) error
	JoinHost(ctx context.Context, h discovery.HostInfo) error
	Disconnect() error
	ForceLogout(sessionID string) error
	Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

// CounterID is the counter bumped by the + key.
const CounterID = "dashboard.bumps"

const (
	refreshInterval = time.Second
	opTimeout       = 15 * time.Second
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayLog
	OverlayDiagnostics
)

// StatusMsg carries a network status change into the program.
type StatusMsg netmgr.Status

// EventMsg carries a server event into the program.
type EventMsg protocol.ServerEvent

type tickMsg time.Time

type frameMsg struct{}

type hostsMsg struct {
	hosts []discovery.DiscoveredHost
	err   error
}

type opDoneMsg struct {
	op  string
	err error
}

type diagMsg struct {
	report diag.Report
	err    error
}

type counterMsg struct {
	value int64
	err   error
}

type Options struct {
	Identity     string
	BrowseWindow time.Duration
	// DiagStyle is the glamour style for the diagnostics overlay.
	DiagStyle string
}

// Model is the root Bubble Tea model.
type Model struct {
	backend Backend
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc

	keys   KeyMap
	width  int
	height int

	overlay   Overlay
	busy      string
	animating bool

	statusBar   status.Model
	dashboard   dashboard.Model
	log         debug.Model
	diagnostics diagnostics.Model
}

// New creates the root model.
func New(b Backend, opts Options) Model {
	if opts.BrowseWindow <= 0 {
		opts.BrowseWindow = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := Model{
		backend:     b,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		keys:        DefaultKeyMap(),
		statusBar:   status.New(opts.Identity),
		dashboard:   dashboard.New(),
		log:         debug.New(),
		diagnostics: diagnostics.New(opts.DiagStyle),
	}
	if b != nil {
		m.statusBar.Status = b.Status()
	}
	return m
}

// Attach forwards status changes and server events from src into p.
func Attach(p *tea.Program, src interface {
	Subscribe(func(netmgr.Status)) func()
	OnEvent(func(protocol.ServerEvent))
}) (detach func()) {
	src.OnEvent(func(ev protocol.ServerEvent) { p.Send(EventMsg(ev)) })
	return src.Subscribe(func(s netmgr.Status) { p.Send(StatusMsg(s)) })
}

// Init starts the refresh ticker and a first browse.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.browse())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		m.diagnostics.Resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case StatusMsg:
		st := netmgr.Status(msg)
		prev := m.statusBar.Status
		m.statusBar.Status = st
		if prev.Role != st.Role {
			m.log.Addf(debug.KindNet, "role %s", st.Role)
		}
		if prev.ConnectionState != st.ConnectionState {
			m.log.Addf(debug.KindNet, "connection %s", st.ConnectionState)
		}
		m.refresh()
		cmd := m.animate()
		return m, cmd

	case EventMsg:
		m.log.Add(debug.KindEvent, describeEvent(protocol.ServerEvent(msg)))
		return m, nil

	case tickMsg:
		if m.backend == nil {
			return m, tick()
		}
		m.statusBar.Status = m.backend.Status()
		m.refresh()
		cmd := m.animate()
		return m, tea.Batch(tick(), cmd)

	case frameMsg:
		if m.statusBar.Step() {
			return m, frame()
		}
		m.animating = false
		return m, nil

	case hostsMsg:
		if m.busy == "browse" {
			m.busy = ""
		}
		if msg.err != nil {
			m.log.Addf(debug.KindError, "browse: %v", msg.err)
			return m, nil
		}
		m.log.Addf(debug.KindNet, "heard %d host(s)", len(msg.hosts))
		if m.statusBar.Status.Role != netmgr.RoleHost {
			m.dashboard.SetHosts(msg.hosts)
		}
		return m, nil

	case opDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.log.Addf(debug.KindError, "%s: %v", msg.op, msg.err)
		} else {
			m.log.Add(debug.KindNet, msg.op+" done")
		}
		m.statusBar.Status = m.backend.Status()
		m.refresh()
		return m, nil

	case counterMsg:
		if msg.err != nil {
			m.log.Addf(debug.KindError, "bump: %v", msg.err)
		} else {
			m.log.Addf(debug.KindAction, "%s = %d", CounterID, msg.value)
		}
		return m, nil

	case diagMsg:
		if msg.err != nil {
			m.diagnostics.SetError(msg.err)
			m.log.Addf(debug.KindError, "diagnostics: %v", msg.err)
			return m, nil
		}
		if err := m.diagnostics.SetReport(msg.report, m.width, m.height); err != nil {
			m.log.Addf(debug.KindError, "render diagnostics: %v", err)
		}
		return m, nil
	}

	return m, nil
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/status.FPS, func(time.Time) tea.Msg { return frameMsg{} })
}

// animate starts the seat gauge frame loop unless it is running or idle.
func (m *Model) animate() tea.Cmd {
	if m.animating || m.statusBar.Settled() {
		return nil
	}
	m.animating = true
	return frame()
}

// refresh pulls the host-side tables the dashboard shows.
func (m *Model) refresh() {
	if m.backend == nil {
		return
	}
	if m.statusBar.Status.Role == netmgr.RoleHost {
		m.dashboard.SetSessions(m.backend.Sessions())
		_, m.statusBar.Healthy = m.backend.Health()
		return
	}
	m.statusBar.Healthy = true
	if m.dashboard.Mode() == dashboard.ModeSessions {
		m.dashboard.SetHosts(nil)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) && (m.overlay == OverlayNone || msg.String() == "ctrl+c") {
		m.cancel()
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayLog:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Log):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	case OverlayDiagnostics:
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
			return m, nil
		case key.Matches(msg, m.keys.Diagnostics):
			m.diagnostics.Loading()
			return m, m.fetchDiagnostics()
		}
		var cmd tea.Cmd
		m.diagnostics, cmd = m.diagnostics.Update(msg)
		return m, cmd
	}

	role := m.statusBar.Status.Role
	switch {
	case key.Matches(msg, m.keys.Down):
		m.dashboard.MoveDown()
	case key.Matches(msg, m.keys.Up):
		m.dashboard.MoveUp()
	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
	case key.Matches(msg, m.keys.Diagnostics):
		m.overlay = OverlayDiagnostics
		m.diagnostics.Loading()
		return m, m.fetchDiagnostics()
	case key.Matches(msg, m.keys.Increment):
		return m, m.bump()
	case key.Matches(msg, m.keys.Browse):
		if m.busy == "" {
			m.busy = "browse"
			return m, m.browse()
		}
	case key.Matches(msg, m.keys.Kick):
		if s, ok := m.dashboard.SelectedSession(); ok && role == netmgr.RoleHost {
			if err := m.backend.ForceLogout(s.ID); err != nil {
				m.log.Addf(debug.KindError, "force logout %s: %v", s.UserID, err)
			} else {
				m.log.Addf(debug.KindNet, "logged out %s", s.UserID)
			}
			m.refresh()
		}
	case key.Matches(msg, m.keys.Enter):
		if h, ok := m.dashboard.SelectedHost(); ok && role == netmgr.RoleStandalone {
			return m.run("join "+h.HostName, func(ctx context.Context) error {
				return m.backend.JoinHost(ctx, h.HostInfo)
			})
		}
	case key.Matches(msg, m.keys.AutoJoin):
		if role == netmgr.RoleStandalone {
			return m.run("auto join", m.backend.AutoJoin)
		}
	case key.Matches(msg, m.keys.Host):
		if role == netmgr.RoleStandalone {
			return m.run("become host", m.backend.BecomeHost)
		}
	case key.Matches(msg, m.keys.Stop):
		switch role {
		case netmgr.RoleHost:
			return m.run("stop host", m.backend.StopHost)
		case netmgr.RoleClient:
			return m.run("disconnect", func(context.Context) error { return m.backend.Disconnect() })
		}
	}
	return m, nil
}

// run starts a role transition unless one is already in flight.
func (m Model) run(op string, fn func(context.Context) error) (tea.Model, tea.Cmd) {
	if m.busy != "" {
		m.log.Addf(debug.KindError, "%s: busy with %s", op, m.busy)
		return m, nil
	}
	m.busy = op
	m.log.Add(debug.KindNet, op+"...")
	ctx := m.ctx
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) browse() tea.Cmd {
	if m.backend == nil {
		return nil
	}
	ctx, window := m.ctx, m.opts.BrowseWindow
	return func() tea.Msg {
		hosts, err := m.backend.Browse(ctx, window)
		return hostsMsg{hosts: hosts, err: err}
	}
}

func (m Model) bump() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		out, err := m.backend.Execute(ctx, store.ActionIncrementCounter, json.RawMessage(`{"id":"`+CounterID+`"}`))
		if err != nil {
			return counterMsg{err: err}
		}
		var c store.Counter
		if err := json.Unmarshal(out, &c); err != nil {
			return counterMsg{err: err}
		}
		return counterMsg{value: c.Value}
	}
}

func (m Model) fetchDiagnostics() tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		out, err := m.backend.Execute(ctx, diag.ActionName, nil)
		if err != nil {
			return diagMsg{err: err}
		}
		var r diag.Report
		if err := json.Unmarshal(out, &r); err != nil {
			return diagMsg{err: err}
		}
		return diagMsg{report: r}
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch m.overlay {
	case OverlayLog:
		return m.log.View(m.width, m.height)
	case OverlayDiagnostics:
		return m.diagnostics.View()
	}

	sections := []string{
		m.statusBar.View(),
		m.dashboard.View(),
		m.lastLine(),
		theme.StyleDimmed.Render("  " + m.help()),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) lastLine() string {
	if m.busy != "" {
		return lipgloss.NewStyle().Foreground(theme.ColorConnecting).Render("  " + m.busy + "...")
	}
	e, ok := m.log.Last()
	if !ok {
		return ""
	}
	style := theme.StyleDimmed
	if e.Kind == debug.KindError {
		style = theme.StyleError
	}
	return style.Render("  " + e.Message)
}

func (m Model) help() string {
	parts := []string{"j/k:navigate"}
	switch m.statusBar.Status.Role {
	case netmgr.RoleStandalone:
		parts = append(parts, "enter:join", "a:auto", "h:host", "b:browse")
	case netmgr.RoleHost:
		parts = append(parts, "x:logout user", "s:stop")
	case netmgr.RoleClient:
		parts = append(parts, "s:disconnect")
	}
	parts = append(parts, "+:bump", "i:diagnostics", "l:log", "q:quit")
	return strings.Join(parts, "  ")
}

func describeEvent(ev protocol.ServerEvent) string {
	switch ev.Type {
	case protocol.EventDataChanged:
		var p protocol.DataChangedPayload
		if ev.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s committed", p.ActionName)
		}
	case protocol.EventUserConnected:
		var p protocol.UserConnectedPayload
		if ev.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s connected from %s", p.UserID, p.DeviceName)
		}
	case protocol.EventUserDisconnected:
		var p protocol.UserDisconnectedPayload
		if ev.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s disconnected (%s)", p.UserID, p.Reason)
		}
	case protocol.EventForceLogout:
		var p protocol.ForceLogoutPayload
		if ev.DecodePayload(&p) == nil {
			return "logged out by host (" + p.Reason + ")"
		}
	}
	return string(ev.Type)
}
