// Package audit records security-relevant events: admissions, rejections and
// forced logouts. Recording is fire-and-forget; a slow or failing sink never
// blocks protocol handling.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	AuthSuccess  Kind = "auth_success"
	AuthFailure  Kind = "auth_failure"
	ForcedLogout Kind = "forced_logout"
	Eviction     Kind = "eviction"
)

type Entry struct {
	Time       time.Time
	Kind       Kind
	SessionID  string
	UserID     string
	DeviceName string
	RemoteAddr string
	Detail     string
}

// Logger is the consumed audit interface.
type Logger interface {
	Record(Entry)
}

// Sink persists entries. It may block; Async shields callers from that.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SlogSink writes entries through a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(ctx context.Context, e Entry) error {
	s.Logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("kind", string(e.Kind)),
		slog.Time("at", e.Time),
		slog.String("session_id", e.SessionID),
		slog.String("user_id", e.UserID),
		slog.String("device", e.DeviceName),
		slog.String("remote_addr", e.RemoteAddr),
		slog.String("detail", e.Detail),
	)
	return nil
}

// Async buffers entries and drains them into a Sink on one goroutine.
// Entries that arrive while the buffer is full are dropped and counted.
type Async struct {
	sink    Sink
	log     *slog.Logger
	entries chan Entry
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		log:     logger.With(slog.String("component", "audit")),
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

func (a *Async) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	defer func() {
		// Record after Close is a drop, not a crash.
		if recover() != nil {
			a.dropped.Add(1)
		}
	}()
	select {
	case a.entries <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close flushes buffered entries and stops the drain goroutine.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.entries) })
	<-a.done
}

func (a *Async) drain() {
	defer close(a.done)
	for e := range a.entries {
		if err := a.sink.Write(context.Background(), e); err != nil {
			a.log.Warn("audit sink write failed", slog.String("kind", string(e.Kind)), slog.Any("error", err))
		}
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Record(Entry) {}
