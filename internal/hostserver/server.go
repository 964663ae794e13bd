// Package hostserver serves a local database to Clients on the LAN.
//
// Each websocket connection gets a reader (its serve goroutine) and a write
// pump. The first frame must authenticate; afterwards the peer may send
// heartbeats and Actions. Read-only Actions run directly against the store,
// write Actions are funnelled through a single worker so at most one write
// is in flight. Session bookkeeping is delegated to session.Manager.
package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stocker/lanlink/internal/audit"
	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/session"
)

var ErrShuttingDown = errors.New("hostserver: shutting down")

// Authenticator checks a username and credential hash and returns the
// stable user id.
type Authenticator interface {
	Verify(ctx context.Context, username, credentialHash string) (string, error)
}

// Database is the store the Host serves.
type Database interface {
	// IsWrite classifies an Action; ok is false for unknown names.
	IsWrite(name string) (write, ok bool)
	Apply(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

type Options struct {
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Audit    audit.Logger

	// AuthGrace bounds the wait for the first (auth) frame.
	AuthGrace time.Duration
	// HeartbeatInterval and MissedHeartbeats set the eviction bound.
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	SweepInterval     time.Duration

	QueueSize  int
	SendBuffer int

	// Info is served at /lan/info.
	Info func() discovery.HostInfo

	// AllowedOrigins restricts browser origins. Non-browser clients send
	// no Origin and are always accepted.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.Audit == nil {
		o.Audit = audit.Discard{}
	}
	if o.AuthGrace <= 0 {
		o.AuthGrace = 5 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 2
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type Server struct {
	opts     Options
	log      *slog.Logger
	db       Database
	sessions *session.Manager
	auth     Authenticator
	audit    audit.Logger
	metrics  *metrics
	health   *loopHealth

	hub    *hub
	writes *writeQueue
	router chi.Router
	http   *http.Server

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu       sync.Mutex
	closing  bool
	cancel   context.CancelFunc
	conns    sync.WaitGroup
	shutOnce sync.Once
	shutErr  error
}

// New builds a Server. The write worker starts immediately so Execute can
// be used before Run.
func New(db Database, sessions *session.Manager, auth Authenticator, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:           opts,
		log:            opts.Logger.With(slog.String("component", "hostserver")),
		db:             db,
		sessions:       sessions,
		auth:           auth,
		audit:          opts.Audit,
		health:         newLoopHealth(),
		hub:            newHub(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.writes = newWriteQueue(opts.QueueSize, db.Apply, s.log)
	s.metrics = newMetrics(opts.Registry,
		func() float64 { return float64(sessions.ActiveSeats()) },
		func() float64 { return float64(s.hub.count()) },
		func() float64 { return float64(s.writes.depth()) },
	)
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(protocol.Path, s.handleWS)
	r.Get("/lan/info", s.handleInfo)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	return r
}

// Handler exposes the routes, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on ln and runs the heartbeat sweep until ctx is done or
// Shutdown is called.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.log.Info("host listening", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("hostserver: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown force-logs-out every session, stops accepting connections and
// drains the write queue. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutOnce.Do(func() { s.shutErr = s.shutdown(ctx) })
	return s.shutErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Info("host shutting down", slog.Int("sessions", s.sessions.ActiveSeats()))

	for _, cs := range s.sessions.List() {
		_ = s.ForceLogout(cs.ID, protocol.ReasonHostShutdown)
	}
	for _, p := range s.hub.all() {
		p.close(protocol.ReasonHostShutdown)
	}

	err := s.http.Shutdown(ctx)
	s.writes.stop()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Health reports the background loops and whether all of them are healthy.
func (s *Server) Health() ([]LoopHealth, bool) { return s.health.snapshot() }

// RecordLoop feeds an outcome of an external loop (discovery advertising)
// into the health report.
func (s *Server) RecordLoop(name string, err error) { s.health.record(name, err) }

// Sessions returns a snapshot of admitted sessions.
func (s *Server) Sessions() []session.ClientSession { return s.sessions.List() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Done()
		s.log.Warn("ws upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := newPeer(uuid.NewString(), conn, r.RemoteAddr, s.opts.SendBuffer, s.log)
	s.hub.add(p)
	p.log.Debug("connection opened")

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		p.close(protocol.ReasonHostShutdown)
	}

	go func() {
		defer s.conns.Done()
		s.serve(p)
	}()
}

// serve runs the read side of one connection until it ends, then removes
// its session. Removal is the only path that announces a clean or abrupt
// disconnect, so it happens at most once per session.
func (s *Server) serve(p *peer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		p.close(protocol.ReasonClosed)
		s.hub.remove(p)
		if id := p.sessionID(); id != "" {
			if cs, ok := s.sessions.Remove(id); ok {
				s.announceDisconnect(cs, p.closeReason())
			}
		}
		p.log.Debug("connection closed", slog.String("reason", p.closeReason()))
	}()

	p.conn.SetReadDeadline(time.Now().Add(s.opts.AuthGrace))
	env, err := p.readEnvelope()
	if err != nil {
		p.log.Info("no auth frame", slog.Any("error", err))
		return
	}
	if env.Type != protocol.MsgAuth {
		p.log.Info("first frame is not auth", slog.String("type", string(env.Type)))
		return
	}
	if !s.handleAuth(ctx, p, env) {
		return
	}
	p.conn.SetReadDeadline(time.Time{})

	for {
		env, err := p.readEnvelope()
		if err != nil {
			if protocol.CodeOf(err) == protocol.CodeProtocol {
				p.log.Warn("malformed frame", slog.Any("error", err))
			}
			return
		}

		switch env.Type {
		case protocol.MsgHeartbeat:
			if !s.handleHeartbeat(p, env) {
				return
			}
		case protocol.MsgAction:
			var req protocol.ActionRequest
			if err := env.Decode(&req); err != nil {
				p.log.Warn("malformed action", slog.Any("error", err))
				return
			}
			if req.CorrelationID == "" {
				req.CorrelationID = env.CorrelationID
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.handleAction(ctx, p, req)
			}()
		default:
			p.log.Warn("unexpected frame", slog.String("type", string(env.Type)))
			return
		}
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if s.opts.Info == nil {
		http.Error(w, "host info not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loops, healthy := s.health.snapshot()
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"activeSeats": s.sessions.ActiveSeats(),
		"maxSeats":    s.sessions.MaxSeats(),
		"loops":       loops,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Host == r.Host
}
