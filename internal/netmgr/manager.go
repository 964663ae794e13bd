// Package netmgr owns the process-wide network role. A process starts
// Standalone with its database open and moves to Host or Client on demand;
// both return to Standalone when stopped or when the connection ends.
//
// Transitions are serialised. Execute and Status never wait for a transition
// in progress beyond a short lock, so the UI stays responsive while joining.
package netmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/stocker/lanlink/internal/audit"
	"github.com/stocker/lanlink/internal/client"
	"github.com/stocker/lanlink/internal/diag"
	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/hostserver"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/security"
	"github.com/stocker/lanlink/internal/session"
	"github.com/stocker/lanlink/internal/store"
)

var (
	ErrInvalidTransition = errors.New("netmgr: invalid transition")
	ErrNoDatabase        = errors.New("netmgr: local database unavailable")
	ErrIdentityMismatch  = errors.New("netmgr: host serves a different database")
)

const advertiseLoopName = "advertise"

type Config struct {
	DatabasePath     string
	DatabaseIdentity string
	LockTimeout      time.Duration

	HostName   string
	AppVersion string
	// ListenAddr is where the Host Server listens, e.g. ":7777".
	ListenAddr string
	// AdvertiseAddress overrides the address put in presence records.
	// Empty lets browsers use the datagram source address.
	AdvertiseAddress  string
	DiscoveryWindow   time.Duration
	HeartbeatInterval time.Duration

	Credentials client.Credentials

	Discovery discovery.Config
	Host      hostserver.Options
	Client    client.Options

	License       session.LicenseManager
	Crypto        session.CryptoUtils
	Authenticator hostserver.Authenticator
	Audit         audit.Logger

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = time.Second
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":7777"
	}
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.License == nil {
		c.License = security.StaticLicense{Seats: 5}
	}
	if c.Crypto == nil {
		c.Crypto = security.Crypto{}
	}
	if c.Audit == nil {
		c.Audit = audit.Discard{}
	}
	if c.Discovery.Logger == nil {
		c.Discovery.Logger = c.Logger
	}
	if c.Host.Logger == nil {
		c.Host.Logger = c.Logger
	}
	if c.Client.Logger == nil {
		c.Client.Logger = c.Logger
	}
	c.Host.Audit = c.Audit
	c.Host.HeartbeatInterval = c.HeartbeatInterval
	return c
}

type hostRuntime struct {
	id         string
	port       int
	srv        *hostserver.Server
	sessions   *session.Manager
	advertiser *discovery.Advertiser
	cancel     context.CancelFunc
	done       chan error
}

type Manager struct {
	cfg     Config
	log     *slog.Logger
	browser *discovery.Browser

	transition sync.Mutex // held for the whole of every role change

	mu        sync.RWMutex
	status    Status
	db        *store.DB
	host      *hostRuntime
	cli       *client.Client
	listeners map[int]func(Status)
	nextID    int
	events    []func(protocol.ServerEvent)
}

func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "netmgr")),
		browser: discovery.NewBrowser(cfg.Discovery),
		status: Status{
			Role:            RoleStandalone,
			ConnectionState: ConnOffline,
			Since:           time.Now(),
		},
		listeners: make(map[int]func(Status)),
	}
}

// Start opens the local database. A file held by another process is not
// fatal: that process is most likely the Host, and AutoJoin will find it.
func (m *Manager) Start() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	err := m.openDatabase()
	if errors.Is(err, store.ErrLocked) {
		m.log.Warn("database held by another process; waiting to join its host",
			slog.String("path", m.cfg.DatabasePath))
		return nil
	}
	return err
}

// AutoJoin browses for a Host serving the configured database and joins
// it; if none answers within the discovery window this process becomes the
// Host.
func (m *Manager) AutoJoin(ctx context.Context) error {
	if r := m.Status().Role; r != RoleStandalone {
		return fmt.Errorf("%w: auto-join from %s", ErrInvalidTransition, r)
	}

	found, err := m.browser.Find(ctx, m.cfg.DiscoveryWindow, m.cfg.DatabaseIdentity)
	switch {
	case err == nil:
		m.log.Info("found host",
			slog.String("host", found.HostName),
			slog.String("addr", found.Addr()))
		return m.JoinHost(ctx, found.HostInfo)
	case errors.Is(err, discovery.ErrNoHost):
		return m.BecomeHost(ctx)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		// A broken discovery socket should not keep the first opener from
		// serving; clients can still join by address.
		m.log.Warn("discovery unavailable", slog.Any("err", err))
		return m.BecomeHost(ctx)
	}
}

// BecomeHost starts serving the local database.
func (m *Manager) BecomeHost(ctx context.Context) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	if r := m.Status().Role; r != RoleStandalone {
		return fmt.Errorf("%w: become host from %s", ErrInvalidTransition, r)
	}
	if err := m.ensureDatabase(); err != nil {
		return err
	}
	if m.cfg.Authenticator == nil {
		return errors.New("netmgr: hosting requires an authenticator")
	}

	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("netmgr: listen %s: %w", m.cfg.ListenAddr, err)
	}

	rt := &hostRuntime{
		id:       uuid.NewString(),
		port:     ln.Addr().(*net.TCPAddr).Port,
		sessions: session.NewManager(m.cfg.DatabaseIdentity, m.cfg.License, m.cfg.Crypto),
		done:     make(chan error, 1),
	}
	opts := m.cfg.Host
	opts.Info = func() discovery.HostInfo { return m.hostInfo(rt) }
	// Each hosting period gets its own metrics registry.
	opts.Registry = prometheus.NewRegistry()
	rt.srv = hostserver.New(db, rt.sessions, m.cfg.Authenticator, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go func() { rt.done <- rt.srv.Run(runCtx, ln) }()

	rt.advertiser = discovery.NewAdvertiser(m.cfg.Discovery)
	rt.advertiser.OnSend = func(err error) { rt.srv.RecordLoop(advertiseLoopName, err) }
	if err := rt.advertiser.Advertise(opts.Info); err != nil {
		// Serving without advertisement still lets clients join by address.
		m.log.Warn("advertising failed", slog.Any("err", err))
		rt.srv.RecordLoop(advertiseLoopName, err)
	}

	info := m.hostInfo(rt)
	m.mu.Lock()
	m.host = rt
	m.mu.Unlock()
	m.setStatus(RoleHost, ConnServing, &info)

	m.log.Info("hosting",
		slog.String("host_id", rt.id),
		slog.String("addr", ln.Addr().String()),
		slog.String("database", m.cfg.DatabaseIdentity))
	return nil
}

// StopHost stops advertising, logs every Client out and closes the Host
// Server. The local database stays open.
func (m *Manager) StopHost(ctx context.Context) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	rt := m.host
	m.host = nil
	m.mu.Unlock()
	if rt == nil {
		return fmt.Errorf("%w: not hosting", ErrInvalidTransition)
	}

	err := m.stopHost(ctx, rt)
	m.setStatus(RoleStandalone, ConnOffline, nil)
	m.log.Info("stopped hosting", slog.String("host_id", rt.id))
	return err
}

func (m *Manager) stopHost(ctx context.Context, rt *hostRuntime) error {
	rt.advertiser.StopAdvertising()
	err := rt.srv.Shutdown(ctx)
	rt.cancel()
	select {
	case runErr := <-rt.done:
		if err == nil {
			err = runErr
		}
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// JoinAddress joins the Host at a manually entered host:port. The Host must
// serve the configured database.
func (m *Manager) JoinAddress(ctx context.Context, address string) error {
	info, err := client.FetchHostInfo(ctx, address)
	if err != nil {
		return err
	}
	if m.cfg.DatabaseIdentity != "" && info.DatabaseIdentity != m.cfg.DatabaseIdentity {
		return fmt.Errorf("%w: %q", ErrIdentityMismatch, info.DatabaseIdentity)
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("netmgr: address %q: %w", address, err)
	}
	info.Address = host
	if info.Port, err = strconv.Atoi(port); err != nil {
		return fmt.Errorf("netmgr: address %q: %w", address, err)
	}
	return m.JoinHost(ctx, info)
}

// JoinHost releases the local database and connects to h as a Client. On
// any failure it rolls back to Standalone with the database reopened.
func (m *Manager) JoinHost(ctx context.Context, h discovery.HostInfo) error {
	m.transition.Lock()
	defer m.transition.Unlock()

	if r := m.Status().Role; r != RoleStandalone {
		return fmt.Errorf("%w: join from %s", ErrInvalidTransition, r)
	}

	m.closeDatabase()

	cli := client.New(m.cfg.Client)
	host := h
	cli.OnStateChange(func(s client.State) { m.clientStateChanged(cli, s) })
	cli.OnEvent(m.forwardEvent)

	m.mu.Lock()
	m.cli = cli
	m.mu.Unlock()
	m.setStatus(RoleClient, clientConnState(client.StateConnecting), &host)

	if err := m.join(ctx, cli, h); err != nil {
		m.mu.Lock()
		m.cli = nil
		m.mu.Unlock()
		_ = cli.Close()
		m.backToStandalone()
		m.log.Warn("join failed",
			slog.String("addr", h.Addr()),
			slog.String("code", string(protocol.CodeOf(err))),
			slog.Any("err", err))
		return err
	}

	go m.watchClient(cli)
	m.log.Info("joined host",
		slog.String("host", h.HostName),
		slog.String("addr", h.Addr()))
	return nil
}

func (m *Manager) join(ctx context.Context, cli *client.Client, h discovery.HostInfo) error {
	if err := cli.Connect(ctx, h.Addr()); err != nil {
		return err
	}
	if _, err := cli.Authenticate(ctx, m.cfg.Credentials); err != nil {
		return err
	}
	cli.StartHeartbeat(m.cfg.HeartbeatInterval)
	return nil
}

// Disconnect leaves the Host and returns to Standalone.
func (m *Manager) Disconnect() error {
	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	cli := m.cli
	m.cli = nil
	m.mu.Unlock()
	if cli == nil {
		return fmt.Errorf("%w: not a client", ErrInvalidTransition)
	}

	_ = cli.Close()
	m.backToStandalone()
	m.log.Info("disconnected from host")
	return nil
}

// watchClient returns to Standalone when the connection ends on its own:
// host shutdown, transport loss or a forced logout.
func (m *Manager) watchClient(cli *client.Client) {
	<-cli.Done()

	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	current := m.cli == cli
	if current {
		m.cli = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	_ = cli.Close()
	m.log.Warn("host connection ended; back to standalone")
	m.backToStandalone()
}

// backToStandalone reopens the database and publishes the Standalone
// status. Callers hold the transition lock.
func (m *Manager) backToStandalone() {
	if err := m.openDatabase(); err != nil {
		m.log.Warn("reopen database", slog.Any("err", err))
	}
	m.setStatus(RoleStandalone, ConnOffline, nil)
}

// Close leaves whatever role is active and closes the database.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	switch m.Status().Role {
	case RoleHost:
		err = m.StopHost(ctx)
	case RoleClient:
		err = m.Disconnect()
	}
	if errors.Is(err, ErrInvalidTransition) {
		// Lost a race with watchClient; already Standalone.
		err = nil
	}

	m.transition.Lock()
	m.closeDatabase()
	m.transition.Unlock()
	return err
}

// Execute runs an Action wherever the current role says the data lives.
func (m *Manager) Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	role := m.status.Role
	db, host, cli := m.db, m.host, m.cli
	m.mu.RUnlock()

	switch {
	case role == RoleHost && host != nil:
		return host.srv.Execute(ctx, name, payload)
	case role == RoleClient && cli != nil:
		return cli.SendAction(ctx, name, payload)
	case role == RoleStandalone && db != nil:
		return db.Apply(ctx, name, payload)
	}
	return nil, &protocol.Error{Code: protocol.CodeConnectionLost, Message: "no database available", Err: ErrNoDatabase}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers fn for every status change. fn runs on the goroutine
// that caused the change and must not call back into transitions.
func (m *Manager) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// OnEvent registers fn for server events received while a Client.
func (m *Manager) OnEvent(fn func(protocol.ServerEvent)) {
	m.mu.Lock()
	m.events = append(m.events, fn)
	m.mu.Unlock()
}

// Browse lists Hosts heard within timeout.
func (m *Manager) Browse(ctx context.Context, timeout time.Duration) ([]discovery.DiscoveredHost, error) {
	ch, err := m.browser.Browse(ctx, timeout)
	if err != nil {
		return nil, err
	}
	var out []discovery.DiscoveredHost
	for h := range ch {
		out = append(out, h)
	}
	return out, nil
}

// Sessions lists admitted sessions while hosting.
func (m *Manager) Sessions() []session.ClientSession {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()
	if host == nil {
		return nil
	}
	return host.srv.Sessions()
}

// ForceLogout ends a Client session while hosting.
func (m *Manager) ForceLogout(sessionID string) error {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()
	if host == nil {
		return fmt.Errorf("%w: not hosting", ErrInvalidTransition)
	}
	return host.srv.ForceLogout(sessionID, protocol.ReasonAdmin)
}

// Health reports timer-loop health while hosting.
func (m *Manager) Health() ([]hostserver.LoopHealth, bool) {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()
	if host == nil {
		return nil, true
	}
	return host.srv.Health()
}

func (m *Manager) hostInfo(rt *hostRuntime) discovery.HostInfo {
	return discovery.HostInfo{
		HostID:           rt.id,
		HostName:         m.cfg.HostName,
		Address:          m.cfg.AdvertiseAddress,
		Port:             rt.port,
		AppVersion:       m.cfg.AppVersion,
		DatabaseIdentity: m.cfg.DatabaseIdentity,
		MaxSeats:         rt.sessions.MaxSeats(),
		ActiveSeats:      rt.sessions.ActiveSeats(),
	}
}

func (m *Manager) ensureDatabase() error {
	m.mu.RLock()
	open := m.db != nil
	m.mu.RUnlock()
	if open {
		return nil
	}
	if err := m.openDatabase(); err != nil {
		return fmt.Errorf("%w: %w", ErrNoDatabase, err)
	}
	return nil
}

func (m *Manager) openDatabase() error {
	m.mu.RLock()
	open := m.db != nil
	m.mu.RUnlock()
	if open {
		return nil
	}

	db, err := store.Open(m.cfg.DatabasePath, m.cfg.DatabaseIdentity, m.cfg.LockTimeout)
	if err != nil {
		return err
	}
	db.Register(store.Action{Name: diag.ActionName, Handler: m.diagnostics})

	m.mu.Lock()
	m.db = db
	m.status.LocalDatabase = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) closeDatabase() {
	m.mu.Lock()
	db := m.db
	m.db = nil
	m.status.LocalDatabase = false
	m.mu.Unlock()
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		m.log.Warn("close database", slog.Any("err", err))
	}
}

func (m *Manager) diagnostics(ctx context.Context, tx *bolt.Tx, _ json.RawMessage) (any, error) {
	m.mu.RLock()
	host := m.host
	m.mu.RUnlock()

	return diag.Collect(ctx, diag.Sources{
		Database: func() diag.DatabaseInfo {
			return diag.DatabaseInfo{
				Identity:  m.cfg.DatabaseIdentity,
				Path:      m.cfg.DatabasePath,
				SizeBytes: tx.Size(),
			}
		},
		Sessions: func() diag.SessionInfo {
			if host == nil {
				return diag.SessionInfo{MaxSeats: m.cfg.License.MaxSeats(m.cfg.DatabaseIdentity)}
			}
			return diag.SessionInfo{
				Active:   host.sessions.ActiveSeats(),
				MaxSeats: host.sessions.MaxSeats(),
			}
		},
	}), nil
}

func (m *Manager) clientStateChanged(cli *client.Client, s client.State) {
	m.mu.Lock()
	if m.cli != cli || m.status.Role != RoleClient {
		m.mu.Unlock()
		return
	}
	m.status.ConnectionState = clientConnState(s)
	st := m.status
	fns := m.listenerSnapshot()
	m.mu.Unlock()
	notify(fns, st)
}

func (m *Manager) forwardEvent(ev protocol.ServerEvent) {
	m.mu.RLock()
	fns := append([]func(protocol.ServerEvent){}, m.events...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) setStatus(role Role, cs ConnectionState, host *discovery.HostInfo) {
	m.mu.Lock()
	m.status.Role = role
	m.status.ConnectionState = cs
	m.status.CurrentHost = host
	m.status.Since = time.Now()
	st := m.status
	fns := m.listenerSnapshot()
	m.mu.Unlock()
	notify(fns, st)
}

// listenerSnapshot is called with mu held.
func (m *Manager) listenerSnapshot() []func(Status) {
	fns := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(Status), st Status) {
	for _, fn := range fns {
		fn(st)
	}
}
