// Package discovery announces and finds Hosts on the local network.
//
// A Host periodically sends a small JSON presence record to a UDP multicast
// group; browsers join the group for a bounded window and collect what they
// hear. When the configured address is not a multicast group the same
// records travel over plain unicast UDP, which covers loopback setups and
// networks where multicast is filtered.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	DefaultGroup    = "239.255.77.77:47777"
	DefaultInterval = 2 * time.Second

	recordVersion = 1
	maxDatagram   = 2048
)

var ErrNoHost = errors.New("discovery: no host found")

// HostInfo is what a Host announces about itself.
type HostInfo struct {
	HostID           string `json:"hostId"`
	HostName         string `json:"hostName"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	AppVersion       string `json:"appVersion"`
	DatabaseIdentity string `json:"databaseIdentity"`
	MaxSeats         int    `json:"maxSeats"`
	ActiveSeats      int    `json:"activeSeats"`
}

// Addr returns host:port suitable for dialing.
func (h HostInfo) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// DiscoveredHost is a HostInfo as observed by a browser.
type DiscoveredHost struct {
	HostInfo
	Source string    `json:"source"`
	SeenAt time.Time `json:"seenAt"`
}

type presence struct {
	V int `json:"v"`
	HostInfo
}

type Config struct {
	// Group is the multicast group (or unicast address) and port.
	Group string
	// Interface optionally pins multicast traffic to one NIC by name.
	Interface string
	// Interval between announcements.
	Interval time.Duration
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) resolve() (*net.UDPAddr, *net.Interface, error) {
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: resolve %q: %w", c.Group, err)
	}
	if c.Interface == "" {
		return addr, nil, nil
	}
	ifi, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: interface %q: %w", c.Interface, err)
	}
	return addr, ifi, nil
}

func encodePresence(info HostInfo) ([]byte, error) {
	return json.Marshal(presence{V: recordVersion, HostInfo: info})
}

func decodePresence(data []byte) (HostInfo, bool) {
	var p presence
	if err := json.Unmarshal(data, &p); err != nil {
		return HostInfo{}, false
	}
	if p.V != recordVersion || p.HostID == "" || p.Port <= 0 {
		return HostInfo{}, false
	}
	return p.HostInfo, true
}
