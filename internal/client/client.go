// Package client is the Client side of the Host protocol: it dials a Host,
// authenticates, keeps the session alive with heartbeats, proxies Actions
// and delivers server events.
//
// Event and state listeners run on the connection's read goroutine and must
// not block. The client never reconnects or retries on its own.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/security"
)

const writeTimeout = 10 * time.Second

type State string

const (
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateDisconnected   State = "disconnected"
)

// Credentials identify the user and device. The password never leaves the
// process; only its credential hash is sent.
type Credentials struct {
	Username   string
	Password   string
	DeviceID   string
	DeviceName string
}

type Options struct {
	Logger           *slog.Logger
	DialTimeout      time.Duration
	AuthTimeout      time.Duration
	HeartbeatTimeout time.Duration
	ActionTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * time.Second
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 30 * time.Second
	}
	return o
}

type Client struct {
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex // serialises all conn writes

	mu             sync.Mutex
	conn           *websocket.Conn
	address        string
	state          State
	token          string
	expired        bool
	lost           bool
	pending        map[string]chan protocol.Envelope
	done           chan struct{}
	hbCancel       context.CancelFunc
	eventListeners []func(protocol.ServerEvent)
	stateListeners []func(State)
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	done := make(chan struct{})
	close(done)
	return &Client{
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "client")),
		state:   StateDisconnected,
		pending: make(map[string]chan protocol.Envelope),
		done:    done,
	}
}

// OnEvent registers a listener for server events.
func (c *Client) OnEvent(fn func(protocol.ServerEvent)) {
	c.mu.Lock()
	c.eventListeners = append(c.eventListeners, fn)
	c.mu.Unlock()
}

// OnStateChange registers a listener called on every state transition.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current session token, empty when not authenticated.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Address returns the host:port of the last Connect.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect dials the Host at address (host:port).
func (c *Client) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.conn != nil && !c.expired {
		c.mu.Unlock()
		return fmt.Errorf("client: already connected to %s", c.address)
	}
	prev := c.done
	c.mu.Unlock()

	// An expired session's transport is already closing; let its read loop
	// finish before reusing the pending table.
	select {
	case <-prev:
	case <-ctx.Done():
		return protocol.Wrap(protocol.CodeConnectionLost, ctx.Err())
	}

	c.mu.Lock()
	c.address = address
	c.token = ""
	c.expired = false
	c.lost = false
	c.mu.Unlock()
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout, Proxy: http.ProxyFromEnvironment}
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dctx, "ws://"+address+protocol.Path, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return &protocol.Error{Code: protocol.CodeConnectionLost, Message: "dial " + address, Err: err}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	c.log.Info("connected", slog.String("host", address))
	c.setState(StateConnected)
	return nil
}

// Authenticate performs the auth handshake. A missing reply within
// AuthTimeout yields TIMEOUT; explicit rejections carry the Host's code.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if s := c.State(); s != StateConnected {
		return "", protocol.Errorf(protocol.CodeProtocol, "authenticate in state %s", s)
	}
	c.setState(StateAuthenticating)

	req := protocol.AuthRequest{
		DeviceID:       creds.DeviceID,
		DeviceName:     creds.DeviceName,
		Username:       creds.Username,
		CredentialHash: security.CredentialHash(creds.Username, creds.Password),
	}
	env, err := c.roundTrip(ctx, protocol.MsgAuth, uuid.NewString(), req, c.opts.AuthTimeout)
	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeTimeout {
			c.setState(StateConnected)
		}
		return "", err
	}

	var resp protocol.AuthResponse
	if err := env.Decode(&resp); err != nil {
		return "", protocol.Wrap(protocol.CodeProtocol, err)
	}
	if !resp.Success {
		c.log.Warn("authentication rejected", slog.String("code", string(resp.ErrorCode)))
		return "", &protocol.Error{Code: resp.ErrorCode, Message: resp.Message}
	}

	c.mu.Lock()
	c.token = resp.SessionToken
	c.mu.Unlock()
	c.setState(StateActive)

	attrs := []any{slog.String("user", creds.Username)}
	if resp.SeatInfo != nil {
		attrs = append(attrs, slog.Int("active_seats", resp.SeatInfo.ActiveSeats), slog.Int("max_seats", resp.SeatInfo.MaxSeats))
	}
	c.log.Info("authenticated", attrs...)
	return resp.SessionToken, nil
}

// StartHeartbeat sends a heartbeat every interval until the connection
// ends. Calling it again replaces the running loop.
func (c *Client) StartHeartbeat(interval time.Duration) {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.hbCancel = cancel
	done := c.done
	c.mu.Unlock()

	go func() {
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				_, err := c.Heartbeat(ctx)
				switch protocol.CodeOf(err) {
				case "":
				case protocol.CodeTimeout:
					c.log.Warn("heartbeat timed out")
				default:
					c.log.Info("heartbeat stopped", slog.Any("error", err))
					return
				}
			}
		}
	}()
}

// Heartbeat sends one heartbeat and returns the Host's clock.
func (c *Client) Heartbeat(ctx context.Context) (time.Time, error) {
	token, err := c.activeToken()
	if err != nil {
		return time.Time{}, err
	}

	corr := uuid.NewString()
	env, err := c.roundTrip(ctx, protocol.MsgHeartbeat, corr, protocol.HeartbeatRequest{
		SessionToken: token,
		ClientTime:   time.Now(),
	}, c.opts.HeartbeatTimeout)
	if err != nil {
		return time.Time{}, err
	}

	var resp protocol.HeartbeatResponse
	if err := env.Decode(&resp); err != nil {
		return time.Time{}, protocol.Wrap(protocol.CodeProtocol, err)
	}
	if !resp.Success {
		if resp.ErrorCode == protocol.CodeSessionExpired {
			c.expire("heartbeat rejected")
		}
		return time.Time{}, &protocol.Error{Code: resp.ErrorCode}
	}
	return resp.ServerTime, nil
}

// SendAction runs an Action on the Host. On TIMEOUT the Host may still have
// applied it.
func (c *Client) SendAction(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	token, err := c.activeToken()
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("client: encode %s payload: %w", name, err)
		}
	}

	corr := uuid.NewString()
	env, err := c.roundTrip(ctx, protocol.MsgAction, corr, protocol.ActionRequest{
		SessionToken:  token,
		CorrelationID: corr,
		ActionName:    name,
		Payload:       raw,
	}, c.opts.ActionTimeout)
	if err != nil {
		return nil, err
	}

	var resp protocol.ActionResponse
	if err := env.Decode(&resp); err != nil {
		return nil, protocol.Wrap(protocol.CodeProtocol, err)
	}
	if resp.ErrorCode == protocol.CodeSessionExpired {
		c.expire("action rejected")
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Close ends the connection. Pending calls fail with CONNECTION_LOST.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	// The read loop may already have closed conn after the close handshake.
	_ = conn.Close()
	<-done
	return nil
}

func (c *Client) activeToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.expired:
		return "", protocol.Errorf(protocol.CodeSessionExpired, "session ended, authenticate again")
	case c.conn == nil || c.lost:
		return "", protocol.Errorf(protocol.CodeConnectionLost, "not connected")
	case c.state != StateActive:
		return "", protocol.Errorf(protocol.CodeSessionExpired, "not authenticated")
	}
	return c.token, nil
}

// roundTrip sends one request and waits for the frame carrying the same
// correlation id.
func (c *Client) roundTrip(ctx context.Context, t protocol.MessageType, corr string, payload any, timeout time.Duration) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(t, corr, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeConnectionLost, "not connected")
	}
	c.pending[corr] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return protocol.Envelope{}, protocol.Wrap(protocol.CodeConnectionLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, protocol.Errorf(protocol.CodeConnectionLost, "connection closed awaiting %s", t)
		}
		return resp, nil
	case <-timer.C:
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeTimeout, "no %s reply within %s", t, timeout)
	case <-ctx.Done():
		return protocol.Envelope{}, protocol.Wrap(protocol.CodeTimeout, ctx.Err())
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var cause error
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		pending := c.pending
		c.pending = make(map[string]chan protocol.Envelope)
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		conn.Close()
		close(done)

		c.log.Info("disconnected", slog.Any("cause", cause))
		c.setState(StateDisconnected)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("malformed frame", slog.Any("error", err))
			continue
		}

		if env.Type == protocol.MsgEvent {
			var ev protocol.ServerEvent
			if err := env.Decode(&ev); err != nil {
				c.log.Warn("malformed event", slog.Any("error", err))
				continue
			}
			c.dispatch(ev)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.CorrelationID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug("unmatched reply", slog.String("type", string(env.Type)), slog.String("correlation_id", env.CorrelationID))
			continue
		}
		select {
		case ch <- env:
		default:
		}
	}
}

func (c *Client) dispatch(ev protocol.ServerEvent) {
	if ev.Type == protocol.EventForceLogout {
		var p protocol.ForceLogoutPayload
		_ = ev.DecodePayload(&p)
		if p.Reason == protocol.ReasonHostShutdown {
			// The Host is going away; this is a lost connection, not an
			// expired session.
			c.mu.Lock()
			c.token = ""
			c.lost = true
			c.mu.Unlock()
			c.setState(StateDisconnected)
		} else {
			c.expire("forced logout: " + p.Reason)
		}
	}

	c.mu.Lock()
	listeners := append([]func(protocol.ServerEvent){}, c.eventListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// expire drops the session and closes the transport, so Done fires and a
// new Connect can start over. Later calls fail locally with SESSION_EXPIRED
// until then.
func (c *Client) expire(why string) {
	c.mu.Lock()
	already := c.expired
	c.expired = true
	c.token = ""
	conn := c.conn
	c.mu.Unlock()
	if !already {
		c.log.Warn("session expired", slog.String("why", why))
	}
	c.setState(StateDisconnected)

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session expired"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		// The read loop notices and clears c.conn.
		_ = conn.Close()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(State){}, c.stateListeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// IsConnectionLost reports whether err means the transport is gone.
func IsConnectionLost(err error) bool {
	return errors.Is(err, protocol.ErrConnectionLost)
}
