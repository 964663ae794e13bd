package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocker/lanlink/internal/diag"
	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/hostserver"
	"github.com/stocker/lanlink/internal/netmgr"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/session"
	"github.com/stocker/lanlink/internal/store"
	"github.com/stocker/lanlink/internal/tui/views/debug"
)

type fakeBackend struct {
	mu       sync.Mutex
	status   netmgr.Status
	sessions []session.ClientSession
	hosts    []discovery.DiscoveredHost
	calls    []string
	joinErr  error
	counter  int64
}

func newFake() *fakeBackend {
	return &fakeBackend{status: netmgr.Status{Role: netmgr.RoleStandalone, ConnectionState: netmgr.ConnOffline, LocalDatabase: true}}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) Status() netmgr.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeBackend) Health() ([]hostserver.LoopHealth, bool) { return nil, true }

func (f *fakeBackend) Sessions() []session.ClientSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeBackend) Browse(context.Context, time.Duration) ([]discovery.DiscoveredHost, error) {
	f.record("browse")
	return f.hosts, nil
}

func (f *fakeBackend) AutoJoin(context.Context) error { f.record("autojoin"); return nil }

func (f *fakeBackend) BecomeHost(context.Context) error {
	f.record("host")
	f.mu.Lock()
	f.status = netmgr.Status{Role: netmgr.RoleHost, ConnectionState: netmgr.ConnServing, LocalDatabase: true}
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) StopHost(context.Context) error { f.record("stop"); return nil }

func (f *fakeBackend) JoinHost(_ context.Context, h discovery.HostInfo) error {
	f.record("join " + h.HostID)
	return f.joinErr
}

func (f *fakeBackend) Disconnect() error { f.record("disconnect"); return nil }

func (f *fakeBackend) ForceLogout(id string) error { f.record("kick " + id); return nil }

func (f *fakeBackend) Execute(_ context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	f.record("exec " + name)
	switch name {
	case store.ActionIncrementCounter:
		f.mu.Lock()
		f.counter++
		v := f.counter
		f.mu.Unlock()
		return json.Marshal(store.Counter{ID: CounterID, Value: v})
	case diag.ActionName:
		return json.Marshal(diag.Report{Database: diag.DatabaseInfo{Identity: "acme"}, Sessions: diag.SessionInfo{Active: 1, MaxSeats: 5}})
	}
	return nil, protocol.Errorf(protocol.CodeActionFailed, "unknown action %q", name)
}

func keyRune(r rune) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}} }

func sized(m Model) Model {
	out, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return out.(Model)
}

// press feeds k to m and runs any resulting command once, feeding its
// message back in.
func press(t *testing.T, m Model, k tea.KeyMsg) Model {
	t.Helper()
	out, cmd := m.Update(k)
	m = out.(Model)
	if cmd == nil {
		return m
	}
	msg := cmd()
	out, _ = m.Update(msg)
	return out.(Model)
}

func TestViewBeforeSize(t *testing.T) {
	m := New(newFake(), Options{Identity: "acme"})
	assert.Equal(t, "Initializing...", m.View())
}

func TestBecomeHostShowsSessions(t *testing.T) {
	f := newFake()
	f.sessions = []session.ClientSession{{ID: "s1", UserID: "bob", DeviceName: "laptop", Status: session.Active}}
	m := sized(New(f, Options{Identity: "acme"}))

	m = press(t, m, keyRune('h'))
	assert.Contains(t, f.calls, "host")
	assert.Equal(t, netmgr.RoleHost, m.statusBar.Status.Role)

	v := m.View()
	assert.Contains(t, v, "HOST")
	assert.Contains(t, v, "SESSIONS")
	assert.Contains(t, v, "bob")

	m = press(t, m, keyRune('x'))
	assert.Contains(t, f.calls, "kick s1")
}

func TestJoinSelectedHost(t *testing.T) {
	f := newFake()
	f.hosts = []discovery.DiscoveredHost{
		{HostInfo: discovery.HostInfo{HostID: "H1", HostName: "front-desk", Address: "10.0.0.2", Port: 7777}},
		{HostInfo: discovery.HostInfo{HostID: "H2", HostName: "warehouse", Address: "10.0.0.9", Port: 7777}},
	}
	m := sized(New(f, Options{}))

	m = press(t, m, keyRune('b'))
	assert.Contains(t, m.View(), "front-desk")

	m = press(t, m, keyRune('j'))
	f.joinErr = protocol.Errorf(protocol.CodeSeatLimitExceeded, "no seat available")
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.Contains(t, f.calls, "join H2")
	last, ok := m.log.Last()
	require.True(t, ok)
	assert.Equal(t, debug.KindError, last.Kind)
	assert.Contains(t, last.Message, "SEAT_LIMIT_EXCEEDED")
	assert.Empty(t, m.busy)
}

func TestBusyBlocksSecondTransition(t *testing.T) {
	f := newFake()
	m := sized(New(f, Options{}))

	out, cmd := m.Update(keyRune('h'))
	require.NotNil(t, cmd)
	m = out.(Model)
	assert.Equal(t, "become host", m.busy)

	out, cmd = m.Update(keyRune('a'))
	assert.Nil(t, cmd)
	m = out.(Model)
	last, _ := m.log.Last()
	assert.Contains(t, last.Message, "busy")
}

func TestStatusAndEventMessages(t *testing.T) {
	m := sized(New(newFake(), Options{}))

	out, _ := m.Update(StatusMsg(netmgr.Status{
		Role:            netmgr.RoleClient,
		ConnectionState: netmgr.ConnectionState("active"),
		CurrentHost:     &discovery.HostInfo{HostName: "front-desk", MaxSeats: 5, ActiveSeats: 2},
	}))
	m = out.(Model)
	v := m.View()
	assert.Contains(t, v, "CLIENT")
	assert.Contains(t, v, "seats 2/5")
	assert.Contains(t, v, "s:disconnect")

	ev, err := protocol.NewEvent(protocol.EventUserDisconnected, protocol.UserDisconnectedPayload{UserID: "carol", Reason: protocol.ReasonHeartbeat})
	require.NoError(t, err)
	out, _ = m.Update(EventMsg(ev))
	m = out.(Model)
	last, _ := m.log.Last()
	assert.Equal(t, "carol disconnected (heartbeat_timeout)", last.Message)
}

func TestBumpCounter(t *testing.T) {
	f := newFake()
	m := sized(New(f, Options{}))
	m = press(t, m, keyRune('+'))
	m = press(t, m, keyRune('+'))
	last, _ := m.log.Last()
	assert.Equal(t, CounterID+" = 2", last.Message)
}

func TestDiagnosticsOverlay(t *testing.T) {
	f := newFake()
	out, _ := New(f, Options{DiagStyle: "notty"}).Update(tea.WindowSizeMsg{Width: 100, Height: 80})
	m := out.(Model)

	m = press(t, m, keyRune('i'))
	assert.Equal(t, OverlayDiagnostics, m.overlay)
	assert.Contains(t, f.calls, "exec "+diag.ActionName)
	assert.Contains(t, m.View(), "DIAGNOSTICS")
	assert.Contains(t, m.View(), "1 of 5 in use")

	// q does not quit from an overlay; esc closes it.
	out, cmd := m.Update(keyRune('q'))
	m = out.(Model)
	assert.Nil(t, cmd)
	m = press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, OverlayNone, m.overlay)
}

func TestLogOverlay(t *testing.T) {
	m := sized(New(newFake(), Options{}))
	m = press(t, m, keyRune('l'))
	assert.Equal(t, OverlayLog, m.overlay)
	assert.Contains(t, m.View(), "EVENT LOG")
	m = press(t, m, keyRune('l'))
	assert.Equal(t, OverlayNone, m.overlay)
}

func TestQuit(t *testing.T) {
	m := sized(New(newFake(), Options{}))
	_, cmd := m.Update(keyRune('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestDescribeEvent(t *testing.T) {
	ev, _ := protocol.NewEvent(protocol.EventDataChanged, protocol.DataChangedPayload{ActionName: "putRecord"})
	assert.Equal(t, "putRecord committed", describeEvent(ev))
	ev, _ = protocol.NewEvent(protocol.EventForceLogout, protocol.ForceLogoutPayload{Reason: "admin"})
	assert.Equal(t, "logged out by host (admin)", describeEvent(ev))
	assert.Equal(t, "Mystery", describeEvent(protocol.ServerEvent{Type: "Mystery"}))
}

func TestSeatGaugeAnimatesUntilSettled(t *testing.T) {
	m := sized(New(newFake(), Options{}))

	out, cmd := m.Update(StatusMsg(netmgr.Status{
		Role:            netmgr.RoleClient,
		ConnectionState: netmgr.ConnectionState("active"),
		CurrentHost:     &discovery.HostInfo{HostName: "front-desk", MaxSeats: 4, ActiveSeats: 4},
	}))
	m = out.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.animating)

	for i := 0; m.animating; i++ {
		require.Less(t, i, 1000, "gauge never settled")
		out, _ = m.Update(frameMsg{})
		m = out.(Model)
	}
	assert.True(t, m.statusBar.Settled())
	assert.Contains(t, m.View(), "seats 4/4 ██████████")
}
