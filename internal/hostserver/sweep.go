package hostserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stocker/lanlink/internal/audit"
	"github.com/stocker/lanlink/internal/protocol"
)

const sweepLoopName = "heartbeat_sweep"

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

// sweepOnce evicts sessions that stopped heartbeating. A panic is recorded
// against the loop and the next tick runs normally.
func (s *Server) sweepOnce(now time.Time) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
			s.log.Error("heartbeat sweep panicked", slog.Any("panic", r))
		}
		s.health.record(sweepLoopName, err)
	}()

	evicted := s.sessions.SweepZombies(now, s.opts.HeartbeatInterval, s.opts.MissedHeartbeats)
	for _, cs := range evicted {
		p := s.hub.detach(cs.ID)
		s.log.Info("session evicted",
			slog.String("session", shortID(cs.ID)),
			slog.String("user", cs.UserID),
			slog.Duration("silent_for", now.Sub(cs.LastHeartbeatAt)))
		s.audit.Record(audit.Entry{
			Time:       now,
			Kind:       audit.Eviction,
			SessionID:  cs.ID,
			UserID:     cs.UserID,
			DeviceName: cs.DeviceName,
			RemoteAddr: cs.RemoteAddr,
			Detail:     protocol.ReasonHeartbeat,
		})
		s.announceDisconnect(cs, protocol.ReasonHeartbeat)
		if p != nil {
			p.close(protocol.ReasonHeartbeat)
		}
	}
}
