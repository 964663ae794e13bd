package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/stocker/lanlink/internal/audit"
	"github.com/stocker/lanlink/internal/protocol"
	"github.com/stocker/lanlink/internal/session"
)

// handleAuth admits or rejects the connection. It reports whether the peer
// now carries an Active session; a rejected peer is closed by the caller
// once the response has drained.
func (s *Server) handleAuth(ctx context.Context, p *peer, env protocol.Envelope) bool {
	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		p.log.Info("malformed auth", slog.Any("error", err))
		return false
	}

	entry := audit.Entry{
		Time:       time.Now(),
		DeviceName: req.DeviceName,
		RemoteAddr: p.remote,
	}

	userID, err := s.auth.Verify(ctx, req.Username, req.CredentialHash)
	if err != nil {
		s.rejectAuth(p, env.CorrelationID, protocol.CodeAuthFailed, "invalid credentials", entry, err)
		return false
	}
	entry.UserID = userID

	cs, err := s.sessions.CreateSession(session.AuthContext{
		ConnectionID: p.id,
		UserID:       userID,
		DeviceID:     req.DeviceID,
		DeviceName:   req.DeviceName,
		RemoteAddr:   p.remote,
	})
	if errors.Is(err, session.ErrSeatLimitExceeded) {
		s.rejectAuth(p, env.CorrelationID, protocol.CodeSeatLimitExceeded, "no seat available", entry, err)
		return false
	}
	if err != nil {
		s.rejectAuth(p, env.CorrelationID, protocol.CodeAuthFailed, "session unavailable", entry, err)
		return false
	}

	if err := s.sessions.Activate(cs.ID); err != nil {
		s.sessions.Remove(cs.ID)
		s.rejectAuth(p, env.CorrelationID, protocol.CodeAuthFailed, "session unavailable", entry, err)
		return false
	}
	p.bind(cs.ID)

	resp := protocol.AuthResponse{
		Success:      true,
		SessionToken: cs.ID,
		SeatInfo: &protocol.SeatInfo{
			MaxSeats:    s.sessions.MaxSeats(),
			ActiveSeats: s.sessions.ActiveSeats(),
		},
	}
	// The response is queued before the peer becomes visible to broadcasts
	// so it is always the first frame the client sees.
	if !p.sendEnvelope(protocol.MsgAuthResult, env.CorrelationID, resp) {
		return false
	}
	s.hub.bind(cs.ID, p)

	s.metrics.authTotal.WithLabelValues("success").Inc()
	entry.Kind = audit.AuthSuccess
	entry.SessionID = cs.ID
	s.audit.Record(entry)
	p.log.Info("session admitted",
		slog.String("user", userID),
		slog.String("device", req.DeviceName),
		slog.Int("active_seats", resp.SeatInfo.ActiveSeats),
		slog.Int("max_seats", resp.SeatInfo.MaxSeats))

	s.publish(protocol.EventUserConnected, protocol.UserConnectedPayload{
		SessionID:  cs.ID,
		UserID:     userID,
		DeviceName: req.DeviceName,
	}, cs.ID)
	return true
}

func (s *Server) rejectAuth(p *peer, correlationID string, code protocol.ErrorCode, msg string, entry audit.Entry, cause error) {
	p.sendEnvelope(protocol.MsgAuthResult, correlationID, protocol.AuthResponse{
		Success:   false,
		ErrorCode: code,
		Message:   msg,
	})

	s.metrics.authTotal.WithLabelValues(string(code)).Inc()
	entry.Kind = audit.AuthFailure
	entry.Detail = string(code)
	s.audit.Record(entry)
	p.log.Info("auth rejected", slog.String("code", string(code)), slog.Any("error", cause))
}

// validSession reports whether token is Active and bound to p.
func (s *Server) validSession(p *peer, token string) bool {
	return token != "" && p.sessionID() == token && s.sessions.IsActive(token)
}

// handleHeartbeat answers one heartbeat. It returns false on a malformed
// frame, which closes the connection.
func (s *Server) handleHeartbeat(p *peer, env protocol.Envelope) bool {
	var req protocol.HeartbeatRequest
	if err := env.Decode(&req); err != nil {
		p.log.Warn("malformed heartbeat", slog.Any("error", err))
		return false
	}

	now := time.Now()
	resp := protocol.HeartbeatResponse{ServerTime: now}
	if s.validSession(p, req.SessionToken) {
		s.sessions.RecordHeartbeat(req.SessionToken, now)
		resp.Success = true
	} else {
		resp.ErrorCode = protocol.CodeSessionExpired
	}
	p.sendEnvelope(protocol.MsgHeartbeatAck, env.CorrelationID, resp)
	return true
}

func (s *Server) handleAction(ctx context.Context, p *peer, req protocol.ActionRequest) {
	resp := protocol.ActionResponse{CorrelationID: req.CorrelationID}

	if !s.validSession(p, req.SessionToken) {
		resp.ErrorCode = protocol.CodeSessionExpired
		resp.Message = "session expired, authenticate again"
		s.metrics.actionsTotal.WithLabelValues(req.ActionName, string(resp.ErrorCode)).Inc()
		p.sendEnvelope(protocol.MsgActionResult, req.CorrelationID, resp)
		return
	}

	result, err := s.execute(ctx, req.ActionName, req.Payload, req.SessionToken)
	if err != nil {
		resp.ErrorCode, resp.Message = s.describeFailure(req.ActionName, err)
	} else {
		resp.Success = true
		resp.Result = result
	}
	p.sendEnvelope(protocol.MsgActionResult, req.CorrelationID, resp)
}

// Execute runs an Action on behalf of the Host's own user. Writes go
// through the same queue as remote writes and notify every Client.
func (s *Server) Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	result, err := s.execute(ctx, name, payload, "")
	if err != nil {
		code, msg := s.describeFailure(name, err)
		return nil, &protocol.Error{Code: code, Message: msg, Err: err}
	}
	return result, nil
}

func (s *Server) execute(ctx context.Context, name string, payload json.RawMessage, origin string) (result json.RawMessage, err error) {
	write, ok := s.db.IsWrite(name)
	if !ok {
		err = protocol.Errorf(protocol.CodeActionFailed, "unknown action %q", name)
		s.metrics.actionsTotal.WithLabelValues("unknown", string(protocol.CodeActionFailed)).Inc()
		return nil, err
	}

	kind := "read"
	if write {
		kind = "write"
	}
	start := time.Now()
	defer func() {
		s.metrics.actionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = string(protocol.CodeActionFailed)
		}
		s.metrics.actionsTotal.WithLabelValues(name, outcome).Inc()
	}()

	if !write {
		return s.applyRead(ctx, name, payload)
	}

	result, err = s.writes.submit(ctx, name, payload, func(data json.RawMessage) {
		s.publish(protocol.EventDataChanged, protocol.DataChangedPayload{
			ActionName:      name,
			OriginSessionID: origin,
			Result:          data,
		}, origin)
	})
	switch {
	case errors.Is(err, errQueueClosed):
		err = &protocol.Error{Code: protocol.CodeConnectionLost, Message: "host shutting down", Err: fmt.Errorf("%w: %w", ErrShuttingDown, err)}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		err = &protocol.Error{Code: protocol.CodeTimeout, Message: "write not applied before the caller gave up", Err: err}
	}
	return result, err
}

func (s *Server) applyRead(ctx context.Context, name string, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("read action panicked",
				slog.String("action", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result, err = nil, fmt.Errorf("action %s panicked: %v", name, r)
		}
	}()
	return s.db.Apply(ctx, name, payload)
}

// describeFailure maps an execution error onto the wire. Coded errors pass
// through; anything else is logged and reported as a generic failure.
func (s *Server) describeFailure(action string, err error) (protocol.ErrorCode, string) {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" {
			msg = err.Error()
		}
		return pe.Code, msg
	}
	s.log.Error("action failed", slog.String("action", action), slog.Any("error", err))
	return protocol.CodeActionFailed, "internal error"
}

// ForceLogout evicts a session, tells its client why and closes the
// connection once the notice has drained.
func (s *Server) ForceLogout(sessionID, reason string) error {
	cs, ok := s.sessions.Evict(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}

	if p := s.hub.detach(sessionID); p != nil {
		p.sendEnvelope(protocol.MsgEvent, "", mustEvent(protocol.EventForceLogout, protocol.ForceLogoutPayload{Reason: reason}))
		p.close(reason)
	}

	s.audit.Record(audit.Entry{
		Time:       time.Now(),
		Kind:       audit.ForcedLogout,
		SessionID:  cs.ID,
		UserID:     cs.UserID,
		DeviceName: cs.DeviceName,
		RemoteAddr: cs.RemoteAddr,
		Detail:     reason,
	})
	s.log.Info("session logged out", slog.String("session", shortID(cs.ID)), slog.String("user", cs.UserID), slog.String("reason", reason))
	s.announceDisconnect(cs, reason)
	return nil
}

// announceDisconnect tells the remaining sessions that cs is gone. Callers
// must own the removal of cs.
func (s *Server) announceDisconnect(cs session.ClientSession, reason string) {
	s.hub.detach(cs.ID)
	s.metrics.evictions.WithLabelValues(reason).Inc()
	s.publish(protocol.EventUserDisconnected, protocol.UserDisconnectedPayload{
		SessionID: cs.ID,
		UserID:    cs.UserID,
		Reason:    reason,
	}, cs.ID)
}

// publish fans an event out to every bound session except the one named by
// except. It never blocks on a peer.
func (s *Server) publish(t protocol.EventType, payload any, except string) {
	ev, err := protocol.NewEvent(t, payload)
	if err != nil {
		s.log.Error("encode event", slog.String("type", string(t)), slog.Any("error", err))
		return
	}
	data, err := encodeEnvelope(protocol.MsgEvent, "", ev)
	if err != nil {
		s.log.Error("encode event frame", slog.String("type", string(t)), slog.Any("error", err))
		return
	}

	s.metrics.eventsSent.WithLabelValues(string(t)).Inc()
	for _, p := range s.hub.broadcast(data, except) {
		if p.close(protocol.ReasonSlowConsumer) {
			s.metrics.slowConsumers.Inc()
			p.log.Warn("peer too slow, disconnecting")
		}
	}
}

func mustEvent(t protocol.EventType, payload any) protocol.ServerEvent {
	ev, err := protocol.NewEvent(t, payload)
	if err != nil {
		panic(fmt.Sprintf("hostserver: encode %s: %v", t, err))
	}
	return ev
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
