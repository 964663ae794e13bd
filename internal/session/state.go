package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Authenticating Status = iota
	Active
	Zombie
	Evicted
)

var statusNames = map[Status]string{
	Authenticating: "authenticating",
	Active:         "active",
	Zombie:         "zombie",
	Evicted:        "evicted",
}

var statusFromName = map[string]Status{
	"authenticating": Authenticating,
	"active":         Active,
	"zombie":         Zombie,
	"evicted":        Evicted,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// HoldsSeat reports whether a session in this status counts against the
// seat limit.
func (s Status) HoldsSeat() bool {
	return s == Authenticating || s == Active
}

// ClientSession is one Client's admission on a Host. The Manager owns the
// canonical copy; every value handed out is a snapshot.
type ClientSession struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connectionId"`
	UserID          string    `json:"userId"`
	DeviceID        string    `json:"deviceId"`
	DeviceName      string    `json:"deviceName"`
	RemoteAddr      string    `json:"remoteAddr"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Status          Status    `json:"status"`
}

// AuthContext carries what the Host learned about a connection during the
// handshake.
type AuthContext struct {
	ConnectionID string
	UserID       string
	DeviceID     string
	DeviceName   string
	RemoteAddr   string
}
