package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// Browser listens for Host announcements. Overlapping Browse calls on one
// Browser share a single socket, so a UI refresh can run while Find is
// still waiting.
type Browser struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	subs map[chan datagram]struct{}
}

type datagram struct {
	data []byte
	src  *net.UDPAddr
}

func NewBrowser(cfg Config) *Browser {
	cfg = cfg.withDefaults()
	return &Browser{
		cfg:  cfg,
		log:  cfg.Logger.With(slog.String("component", "discovery.browser")),
		subs: make(map[chan datagram]struct{}),
	}
}

// Browse listens for timeout and yields each Host the first time it is
// heard. The channel is closed when the window ends or ctx is done; a quiet
// network yields a closed, empty channel. Only socket setup errors are
// returned.
func (b *Browser) Browse(ctx context.Context, timeout time.Duration) (<-chan DiscoveredHost, error) {
	in, unsubscribe, err := b.subscribe()
	if err != nil {
		return nil, err
	}

	out := make(chan DiscoveredHost)
	go func() {
		defer close(out)
		defer unsubscribe()

		window := time.NewTimer(timeout)
		defer window.Stop()

		seen := make(map[string]bool)
		for {
			var d datagram
			select {
			case <-ctx.Done():
				return
			case <-window.C:
				return
			case dg, ok := <-in:
				if !ok {
					return
				}
				d = dg
			}

			info, ok := decodePresence(d.data)
			if !ok {
				b.log.Debug("dropped malformed presence", slog.String("source", d.src.String()))
				continue
			}
			if seen[info.HostID] {
				continue
			}
			seen[info.HostID] = true
			if info.Address == "" || net.ParseIP(info.Address).IsUnspecified() {
				info.Address = d.src.IP.String()
			}

			select {
			case out <- DiscoveredHost{HostInfo: info, Source: d.src.String(), SeenAt: time.Now()}:
			case <-ctx.Done():
				return
			case <-window.C:
				return
			}
		}
	}()
	return out, nil
}

// Find returns the first Host advertising databaseIdentity within timeout.
func (b *Browser) Find(ctx context.Context, timeout time.Duration, databaseIdentity string) (DiscoveredHost, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hosts, err := b.Browse(ctx, timeout)
	if err != nil {
		return DiscoveredHost{}, err
	}
	for h := range hosts {
		if h.DatabaseIdentity == databaseIdentity {
			return h, nil
		}
	}
	return DiscoveredHost{}, fmt.Errorf("%w for %q", ErrNoHost, databaseIdentity)
}

// subscribe registers a datagram channel, opening the socket for the first
// subscriber. The socket closes when the last one leaves.
func (b *Browser) subscribe() (<-chan datagram, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		conn, err := b.listen()
		if err != nil {
			return nil, nil, err
		}
		b.conn = conn
		go b.readLoop(conn)
	}

	ch := make(chan datagram, 16)
	b.subs[ch] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, ch)
			if len(b.subs) == 0 && b.conn != nil {
				b.conn.Close()
				b.conn = nil
			}
		})
	}
	return ch, unsubscribe, nil
}

func (b *Browser) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			b.mu.Lock()
			if b.conn == conn {
				// Socket failed under live subscribers; end their windows.
				b.log.Warn("browse socket failed", slog.Any("error", err))
				b.conn = nil
				for ch := range b.subs {
					close(ch)
					delete(b.subs, ch)
				}
			}
			b.mu.Unlock()
			return
		}

		d := datagram{data: append([]byte(nil), buf[:n]...), src: src}
		b.mu.Lock()
		for ch := range b.subs {
			select {
			case ch <- d:
			default:
			}
		}
		b.mu.Unlock()
	}
}

// listen opens the receive socket. Multicast groups and broadcast addresses
// may be shared with other processes; a plain unicast address is bound
// exclusively, so only one process per machine can browse it at a time.
func (b *Browser) listen() (*net.UDPConn, error) {
	addr, ifi, err := b.cfg.resolve()
	if err != nil {
		return nil, err
	}

	var conn *net.UDPConn
	switch {
	case addr.IP.IsMulticast():
		conn, err = net.ListenMulticastUDP("udp4", ifi, addr)
	case isBroadcast(addr.IP):
		lc := net.ListenConfig{Control: shareBroadcastPort}
		var pc net.PacketConn
		pc, err = lc.ListenPacket(context.Background(), "udp4", ":"+strconv.Itoa(addr.Port))
		if err == nil {
			conn = pc.(*net.UDPConn)
		}
	default:
		conn, err = net.ListenUDP("udp4", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	return conn, nil
}

// isBroadcast reports whether ip is the limited broadcast address or the
// directed broadcast address of a local IPv4 network.
func isBroadcast(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	if ip4.Equal(net.IPv4bcast) {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		n, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		base := n.IP.To4()
		ones, bits := n.Mask.Size()
		if base == nil || bits != 32 || ones >= 31 {
			continue
		}
		bcast := make(net.IP, net.IPv4len)
		for i := range bcast {
			bcast[i] = base[i] | ^n.Mask[i]
		}
		if bcast.Equal(ip4) {
			return true
		}
	}
	return false
}
