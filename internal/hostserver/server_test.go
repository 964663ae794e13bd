package hostserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	bolt "go.etcd.io/bbolt"

	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/security"
	"github.com/stocker/lanlink/internal/session"
	"github.com/stocker/lanlink/internal/store"
)

const testPassword = "s3cret"

type harness struct {
	srv      *Server
	db       *store.DB
	sessions *session.Manager
	addr     string
}

func newHarness(t *testing.T, seats int, configure func(*Options)) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "host.db"), "acme", time.Second)
	require.NoError(t, err)

	accounts := security.NewAccounts(bcrypt.MinCost)
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, accounts.Add(u, testPassword))
	}
	mgr := session.NewManager("acme", security.StaticLicense{Seats: seats}, security.Crypto{})

	opts := Options{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HeartbeatInterval: time.Hour,
		SweepInterval:     20 * time.Millisecond,
		Info: func() discovery.HostInfo {
			return discovery.HostInfo{HostID: "H1", Port: 7777, DatabaseIdentity: "acme", MaxSeats: seats, ActiveSeats: mgr.ActiveSeats()}
		},
	}
	if configure != nil {
		configure(&opts)
	}
	srv := New(db, mgr, accounts, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		db.Close()
	})

	return &harness{srv: srv, db: db, sessions: mgr, addr: ln.Addr().String()}
}

// testClient is a raw protocol peer. Events and responses are split by the
// reader goroutine; only the test goroutine writes.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	token  string
	events chan protocol.ServerEvent
	frames chan protocol.Envelope
	closed chan struct{}
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+protocol.Path, nil)
	require.NoError(t, err)

	c := &testClient{
		t:      t,
		conn:   conn,
		events: make(chan protocol.ServerEvent, 256),
		frames: make(chan protocol.Envelope, 256),
		closed: make(chan struct{}),
	}
	go func() {
		defer close(c.closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			if env.Type == protocol.MsgEvent {
				var ev protocol.ServerEvent
				if env.Decode(&ev) == nil {
					c.events <- ev
				}
				continue
			}
			c.frames <- env
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *testClient) send(t protocol.MessageType, corr string, payload any) error {
	env, err := protocol.NewEnvelope(t, corr, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *testClient) next(timeout time.Duration) (protocol.Envelope, bool) {
	select {
	case env := <-c.frames:
		return env, true
	case <-time.After(timeout):
		return protocol.Envelope{}, false
	}
}

func (c *testClient) auth(username, password string) protocol.AuthResponse {
	c.t.Helper()
	require.NoError(c.t, c.send(protocol.MsgAuth, "auth-1", protocol.AuthRequest{
		DeviceID:       "dev-" + username,
		DeviceName:     username + "-laptop",
		Username:       username,
		CredentialHash: security.CredentialHash(username, password),
	}))
	env, ok := c.next(3 * time.Second)
	require.True(c.t, ok, "no auth response")
	require.Equal(c.t, protocol.MsgAuthResult, env.Type)
	assert.Equal(c.t, "auth-1", env.CorrelationID)

	var resp protocol.AuthResponse
	require.NoError(c.t, env.Decode(&resp))
	c.token = resp.SessionToken
	return resp
}

// action sends one Action and waits for its response. It avoids require so
// it can be used from helper goroutines.
func (c *testClient) action(corr, name string, payload any) (protocol.ActionResponse, bool) {
	raw, _ := json.Marshal(payload)
	err := c.send(protocol.MsgAction, corr, protocol.ActionRequest{
		SessionToken:  c.token,
		CorrelationID: corr,
		ActionName:    name,
		Payload:       raw,
	})
	if err != nil {
		return protocol.ActionResponse{}, false
	}
	env, ok := c.next(5 * time.Second)
	if !ok || env.Type != protocol.MsgActionResult {
		return protocol.ActionResponse{}, false
	}
	var resp protocol.ActionResponse
	if env.Decode(&resp) != nil {
		return protocol.ActionResponse{}, false
	}
	return resp, true
}

func (c *testClient) expectEvent(t protocol.EventType, timeout time.Duration) protocol.ServerEvent {
	c.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.events:
			if ev.Type == t {
				return ev
			}
		case <-deadline:
			c.t.Fatalf("no %s event within %s", t, timeout)
			return protocol.ServerEvent{}
		}
	}
}

func (c *testClient) waitClosed(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func authenticated(t *testing.T, h *harness, username string) *testClient {
	t.Helper()
	c := dial(t, h.addr)
	resp := c.auth(username, testPassword)
	require.True(t, resp.Success, "auth %s: %s %s", username, resp.ErrorCode, resp.Message)
	return c
}

func TestSeatLimit(t *testing.T) {
	h := newHarness(t, 3, nil)

	for i, u := range []string{"alice", "bob", "carol"} {
		c := dial(t, h.addr)
		resp := c.auth(u, testPassword)
		require.True(t, resp.Success)
		assert.NotEmpty(t, resp.SessionToken)
		require.NotNil(t, resp.SeatInfo)
		assert.Equal(t, 3, resp.SeatInfo.MaxSeats)
		assert.Equal(t, i+1, resp.SeatInfo.ActiveSeats)
	}

	fourth := dial(t, h.addr)
	resp := fourth.auth("dave", testPassword)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeSeatLimitExceeded, resp.ErrorCode)
	assert.Empty(t, resp.SessionToken)
	assert.True(t, fourth.waitClosed(2*time.Second), "rejected connection stays open")

	assert.Equal(t, 3, h.sessions.ActiveSeats())
}

func TestSeatLimitConcurrentAuth(t *testing.T) {
	h := newHarness(t, 2, nil)

	users := []string{"alice", "bob", "carol", "dave"}
	results := make([]protocol.AuthResponse, len(users))
	clients := make([]*testClient, len(users))
	for i := range users {
		clients[i] = dial(t, h.addr)
	}

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			c := clients[i]
			_ = c.send(protocol.MsgAuth, "a", protocol.AuthRequest{Username: u, CredentialHash: security.CredentialHash(u, testPassword)})
			if env, ok := c.next(5 * time.Second); ok {
				_ = env.Decode(&results[i])
			}
		}(i, u)
	}
	wg.Wait()

	admitted, rejected := 0, 0
	for _, r := range results {
		switch {
		case r.Success:
			admitted++
		case r.ErrorCode == protocol.CodeSeatLimitExceeded:
			rejected++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 2, h.sessions.ActiveSeats())
}

func TestAuthFailureIsUniform(t *testing.T) {
	h := newHarness(t, 3, nil)

	wrongPassword := dial(t, h.addr).auth("alice", "nope")
	unknownUser := dial(t, h.addr).auth("mallory", testPassword)

	assert.False(t, wrongPassword.Success)
	assert.False(t, unknownUser.Success)
	assert.Equal(t, protocol.CodeAuthFailed, wrongPassword.ErrorCode)
	assert.Equal(t, wrongPassword, unknownUser)
	assert.Zero(t, h.sessions.ActiveSeats())
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	h := newHarness(t, 3, nil)

	c := dial(t, h.addr)
	require.NoError(t, c.send(protocol.MsgHeartbeat, "hb", protocol.HeartbeatRequest{SessionToken: "x"}))
	assert.True(t, c.waitClosed(2*time.Second))
	assert.Zero(t, h.sessions.ActiveSeats())
}

func TestAuthGraceTimeout(t *testing.T) {
	h := newHarness(t, 3, func(o *Options) { o.AuthGrace = 50 * time.Millisecond })

	c := dial(t, h.addr)
	assert.True(t, c.waitClosed(2*time.Second), "silent connection was not dropped")
	assert.Empty(t, h.sessions.List())
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, 3, nil)
	c := authenticated(t, h, "alice")

	require.NoError(t, c.send(protocol.MsgHeartbeat, "hb-1", protocol.HeartbeatRequest{SessionToken: c.token, ClientTime: time.Now()}))
	env, ok := c.next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.MsgHeartbeatAck, env.Type)
	assert.Equal(t, "hb-1", env.CorrelationID)
	var resp protocol.HeartbeatResponse
	require.NoError(t, env.Decode(&resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.ServerTime.IsZero())

	require.NoError(t, c.send(protocol.MsgHeartbeat, "hb-2", protocol.HeartbeatRequest{SessionToken: "stale"}))
	env, ok = c.next(2 * time.Second)
	require.True(t, ok)
	require.NoError(t, env.Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeSessionExpired, resp.ErrorCode)
}

func TestSilentSessionEvictedOnce(t *testing.T) {
	const interval = 50 * time.Millisecond
	h := newHarness(t, 3, func(o *Options) {
		o.HeartbeatInterval = interval
		o.MissedHeartbeats = 2
		o.SweepInterval = 20 * time.Millisecond
	})

	silent := authenticated(t, h, "alice")
	watcher := authenticated(t, h, "bob")

	stop := make(chan struct{})
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = watcher.send(protocol.MsgHeartbeat, "", protocol.HeartbeatRequest{SessionToken: watcher.token})
			}
		}
	}()
	defer func() {
		close(stop)
		beats.Wait()
	}()

	start := time.Now()
	ev := watcher.expectEvent(protocol.EventUserDisconnected, 3*time.Second)
	elapsed := time.Since(start)

	var p protocol.UserDisconnectedPayload
	require.NoError(t, ev.DecodePayload(&p))
	assert.Equal(t, silent.token, p.SessionID)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, protocol.ReasonHeartbeat, p.Reason)
	assert.Less(t, elapsed, 2*interval+20*time.Millisecond+500*time.Millisecond)

	assert.True(t, silent.waitClosed(2*time.Second))
	_, found := h.sessions.Get(silent.token)
	assert.False(t, found)
	assert.True(t, h.sessions.IsActive(watcher.token))

	// The connection close that follows eviction must not announce again.
	time.Sleep(150 * time.Millisecond)
	for {
		select {
		case ev := <-watcher.events:
			assert.NotEqual(t, protocol.EventUserDisconnected, ev.Type, "duplicate disconnect event")
			continue
		default:
		}
		break
	}
}

func TestConcurrentIncrementsNoLostUpdate(t *testing.T) {
	h := newHarness(t, 3, nil)
	a := authenticated(t, h, "alice")
	b := authenticated(t, h, "bob")

	const perClient = 25
	var wg sync.WaitGroup
	for _, c := range []*testClient{a, b} {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				resp, ok := c.action("inc", store.ActionIncrementCounter, map[string]string{"id": "c1"})
				assert.True(t, ok)
				assert.True(t, resp.Success, "%s %s", resp.ErrorCode, resp.Message)
			}
		}(c)
	}
	wg.Wait()

	out, err := h.srv.Execute(context.Background(), store.ActionGetCounter, json.RawMessage(`{"id":"c1"}`))
	require.NoError(t, err)
	var counter store.Counter
	require.NoError(t, json.Unmarshal(out, &counter))
	assert.EqualValues(t, 2*perClient, counter.Value)
}

func TestExpiredTokenRejected(t *testing.T) {
	h := newHarness(t, 3, nil)
	c := authenticated(t, h, "alice")
	valid := c.token

	c.token = "expired-token"
	resp, ok := c.action("x1", store.ActionGetCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, "x1", resp.CorrelationID)
	assert.Equal(t, protocol.CodeSessionExpired, resp.ErrorCode)

	c.token = valid
	resp, ok = c.action("x2", store.ActionGetCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "x2", resp.CorrelationID)
}

func TestForceLogout(t *testing.T) {
	h := newHarness(t, 3, nil)
	target := authenticated(t, h, "alice")
	other := authenticated(t, h, "bob")
	target.expectEvent(protocol.EventUserConnected, time.Second)

	require.NoError(t, h.srv.ForceLogout(target.token, protocol.ReasonAdmin))

	ev := target.expectEvent(protocol.EventForceLogout, 2*time.Second)
	var fl protocol.ForceLogoutPayload
	require.NoError(t, ev.DecodePayload(&fl))
	assert.Equal(t, protocol.ReasonAdmin, fl.Reason)
	assert.True(t, target.waitClosed(2*time.Second))

	ev = other.expectEvent(protocol.EventUserDisconnected, 2*time.Second)
	var ud protocol.UserDisconnectedPayload
	require.NoError(t, ev.DecodePayload(&ud))
	assert.Equal(t, target.token, ud.SessionID)
	assert.Equal(t, protocol.ReasonAdmin, ud.Reason)

	assert.ErrorIs(t, h.srv.ForceLogout(target.token, protocol.ReasonAdmin), session.ErrNotFound)

	// A stale token presented on another connection is expired.
	other.token, target.token = target.token, other.token
	resp, ok := other.action("after", store.ActionGetCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	assert.Equal(t, protocol.CodeSessionExpired, resp.ErrorCode)
	assert.Equal(t, 1, h.sessions.ActiveSeats())
}

func TestDataChangedGoesToOthers(t *testing.T) {
	h := newHarness(t, 3, nil)
	writer := authenticated(t, h, "alice")
	reader := authenticated(t, h, "bob")

	resp, ok := writer.action("w1", store.ActionIncrementCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"id":"c1","value":1}`, string(resp.Result))

	ev := reader.expectEvent(protocol.EventDataChanged, 2*time.Second)
	var dc protocol.DataChangedPayload
	require.NoError(t, ev.DecodePayload(&dc))
	assert.Equal(t, store.ActionIncrementCounter, dc.ActionName)
	assert.Equal(t, writer.token, dc.OriginSessionID)
	assert.JSONEq(t, `{"id":"c1","value":1}`, string(dc.Result))

	// Reads do not notify, and the writer never hears about its own write.
	_, ok = reader.action("r1", store.ActionGetCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case ev := <-writer.events:
			assert.NotEqual(t, protocol.EventDataChanged, ev.Type)
			continue
		default:
		}
		break
	}
}

func TestBusinessFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, 3, nil)
	c := authenticated(t, h, "alice")

	resp, ok := c.action("1", store.ActionGetRecord, map[string]string{"collection": "items", "id": "missing"})
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeActionFailed, resp.ErrorCode)
	assert.NotEmpty(t, resp.Message)

	resp, ok = c.action("2", "noSuchAction", nil)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeActionFailed, resp.ErrorCode)
	assert.Contains(t, resp.Message, "noSuchAction")

	resp, ok = c.action("3", store.ActionIncrementCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	assert.True(t, resp.Success)
}

func TestActionPanicIsContained(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.db.Register(store.Action{Name: "explode", Write: true, Handler: func(context.Context, *bolt.Tx, json.RawMessage) (any, error) {
		panic("kaboom")
	}})
	c := authenticated(t, h, "alice")

	resp, ok := c.action("p", "explode", nil)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeActionFailed, resp.ErrorCode)
	assert.Equal(t, "internal error", resp.Message)

	resp, ok = c.action("after", store.ActionIncrementCounter, map[string]string{"id": "c1"})
	require.True(t, ok)
	assert.True(t, resp.Success)
}

func TestLocalExecuteNotifiesEveryone(t *testing.T) {
	h := newHarness(t, 3, nil)
	c := authenticated(t, h, "alice")

	_, err := h.srv.Execute(context.Background(), store.ActionIncrementCounter, json.RawMessage(`{"id":"c1"}`))
	require.NoError(t, err)

	ev := c.expectEvent(protocol.EventDataChanged, 2*time.Second)
	var dc protocol.DataChangedPayload
	require.NoError(t, ev.DecodePayload(&dc))
	assert.Empty(t, dc.OriginSessionID)

	_, err = h.srv.Execute(context.Background(), store.ActionGetRecord, json.RawMessage(`{"collection":"x","id":"y"}`))
	assert.ErrorIs(t, err, protocol.ErrActionFailed)
}

func TestShutdownLogsEveryoneOut(t *testing.T) {
	h := newHarness(t, 3, nil)
	c := authenticated(t, h, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	ev := c.expectEvent(protocol.EventForceLogout, 2*time.Second)
	var fl protocol.ForceLogoutPayload
	require.NoError(t, ev.DecodePayload(&fl))
	assert.Equal(t, protocol.ReasonHostShutdown, fl.Reason)
	assert.True(t, c.waitClosed(2*time.Second))
	assert.Zero(t, h.sessions.ActiveSeats())

	_, err := h.srv.Execute(context.Background(), store.ActionIncrementCounter, json.RawMessage(`{"id":"c1"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, protocol.CodeConnectionLost, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), "host shutting down")
	assert.NotContains(t, err.Error(), "internal error")
}

func TestHTTPRoutes(t *testing.T) {
	h := newHarness(t, 3, nil)
	authenticated(t, h, "alice")

	res, err := http.Get("http://" + h.addr + "/lan/info")
	require.NoError(t, err)
	var info discovery.HostInfo
	require.NoError(t, json.NewDecoder(res.Body).Decode(&info))
	res.Body.Close()
	assert.Equal(t, "H1", info.HostID)
	assert.Equal(t, 1, info.ActiveSeats)

	res, err = http.Get("http://" + h.addr + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get("http://" + h.addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "lanlink_host_active_seats 1"), string(body))
}

func TestHealthReportsFailingLoop(t *testing.T) {
	h := newHarness(t, 3, nil)
	for i := 0; i < failureThreshold; i++ {
		h.srv.RecordLoop("advertise", assert.AnError)
	}

	res, err := http.Get("http://" + h.addr + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)

	h.srv.RecordLoop("advertise", nil)
	_, healthy := h.srv.Health()
	assert.True(t, healthy)
}
