package netmgr

import (
	"time"

	"github.com/stocker/lanlink/internal/client"
	"github.com/stocker/lanlink/internal/discovery"
)

type Role string

const (
	RoleStandalone Role = "standalone"
	RoleHost       Role = "host"
	RoleClient     Role = "client"
)

// ConnectionState is "offline" when Standalone, "serving" when Host and the
// client connection state when Client.
type ConnectionState string

const (
	ConnOffline ConnectionState = "offline"
	ConnServing ConnectionState = "serving"
)

func clientConnState(s client.State) ConnectionState { return ConnectionState(s) }

// Status is the process-wide network status.
type Status struct {
	Role            Role                `json:"role"`
	ConnectionState ConnectionState     `json:"connectionState"`
	CurrentHost     *discovery.HostInfo `json:"currentHost,omitempty"`
	Since           time.Time           `json:"since"`
	// LocalDatabase reports whether this process holds the database file.
	LocalDatabase bool `json:"localDatabase"`
}
