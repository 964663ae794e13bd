package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// Advertiser periodically announces a Host. It is safe for concurrent use.
type Advertiser struct {
	cfg Config
	log *slog.Logger

	// OnSend is called after every announcement attempt with its outcome.
	// It runs on the advertise goroutine and must not block.
	OnSend func(err error)

	mu       sync.Mutex
	provider func() HostInfo
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewAdvertiser(cfg Config) *Advertiser {
	cfg = cfg.withDefaults()
	return &Advertiser{
		cfg: cfg,
		log: cfg.Logger.With(slog.String("component", "discovery.advertiser")),
	}
}

// Advertise starts announcing whatever provider returns. Calling it again
// while running swaps the provider without starting a second loop. The
// provider is invoked on every tick so seat counts stay current.
func (a *Advertiser) Advertise(provider func() HostInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.provider = provider
	if a.cancel != nil {
		return nil
	}

	conn, dst, err := a.open()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx, conn, dst, a.done)

	a.log.Info("advertising", slog.String("group", dst.String()), slog.Duration("interval", a.cfg.Interval))
	return nil
}

// StopAdvertising stops the loop and waits for it to exit.
func (a *Advertiser) StopAdvertising() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Info("advertising stopped")
}

// Advertising reports whether the loop is running.
func (a *Advertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

func (a *Advertiser) open() (*net.UDPConn, *net.UDPAddr, error) {
	dst, ifi, err := a.cfg.resolve()
	if err != nil {
		return nil, nil, err
	}
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	if dst.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if err := p.SetMulticastTTL(1); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("discovery: multicast ttl: %w", err)
		}
		// Browsers on the same machine must hear us too.
		if err := p.SetMulticastLoopback(true); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("discovery: multicast loopback: %w", err)
		}
		if ifi != nil {
			if err := p.SetMulticastInterface(ifi); err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("discovery: multicast interface: %w", err)
			}
		}
	}
	return conn, dst, nil
}

func (a *Advertiser) loop(ctx context.Context, conn *net.UDPConn, dst *net.UDPAddr, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.announce(conn, dst)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.announce(conn, dst)
		}
	}
}

func (a *Advertiser) announce(conn *net.UDPConn, dst *net.UDPAddr) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discovery: announce panic: %v", r)
			a.log.Error("announce panicked", slog.Any("panic", r))
		}
		if a.OnSend != nil {
			a.OnSend(err)
		}
	}()

	a.mu.Lock()
	provider := a.provider
	a.mu.Unlock()
	if provider == nil {
		return
	}

	data, err := encodePresence(provider())
	if err != nil {
		a.log.Error("encode presence", slog.Any("error", err))
		return
	}
	if _, err = conn.WriteToUDP(data, dst); err != nil {
		a.log.Warn("announce failed", slog.String("group", dst.String()), slog.Any("error", err))
	}
}
