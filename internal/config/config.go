package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LANLINK_DATABASE_PATH.
const EnvPrefix = "LANLINK_"

type Config struct {
	Node      NodeConfig      `yaml:"node" envPrefix:"NODE_"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Host      HostConfig      `yaml:"host" envPrefix:"HOST_"`
	Client    ClientConfig    `yaml:"client" envPrefix:"CLIENT_"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type NodeConfig struct {
	// Name is shown to other machines; defaults to the OS hostname.
	Name string `yaml:"name" env:"NAME"`
}

type DatabaseConfig struct {
	Path        string        `yaml:"path" env:"PATH"`
	Identity    string        `yaml:"identity" env:"IDENTITY"`
	LockTimeout time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
}

type HostConfig struct {
	Listen           string        `yaml:"listen" env:"LISTEN"`
	AdvertiseAddress string        `yaml:"advertise_address" env:"ADVERTISE_ADDRESS"`
	MaxSeats         int           `yaml:"max_seats" env:"MAX_SEATS"`
	AuthGrace        time.Duration `yaml:"auth_grace" env:"AUTH_GRACE"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	MissedHeartbeats int           `yaml:"missed_heartbeats" env:"MISSED_HEARTBEATS"`
	QueueSize        int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	SendBuffer       int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	AllowedOrigins   []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AuditBuffer      int           `yaml:"audit_buffer" env:"AUDIT_BUFFER"`
	// Accounts maps usernames to bcrypt digests of their credential hash,
	// as printed by "lanlink hash-credential".
	Accounts map[string]string `yaml:"accounts" env:"ACCOUNTS"`
}

type ClientConfig struct {
	Username         string        `yaml:"username" env:"USERNAME"`
	Password         string        `yaml:"password" env:"PASSWORD"`
	DeviceID         string        `yaml:"device_id" env:"DEVICE_ID"`
	DeviceName       string        `yaml:"device_name" env:"DEVICE_NAME"`
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	AuthTimeout      time.Duration `yaml:"auth_timeout" env:"AUTH_TIMEOUT"`
	ActionTimeout    time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	// HeartbeatInterval is shared with the Host's eviction bound.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

type DiscoveryConfig struct {
	Group     string        `yaml:"group" env:"GROUP"`
	Interface string        `yaml:"interface" env:"INTERFACE"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	Window    time.Duration `yaml:"window" env:"WINDOW"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	name, _ := os.Hostname()
	return &Config{
		Node: NodeConfig{Name: name},
		Database: DatabaseConfig{
			Path:        "lanlink.db",
			Identity:    "default",
			LockTimeout: time.Second,
		},
		Host: HostConfig{
			Listen:           ":7777",
			MaxSeats:         5,
			AuthGrace:        5 * time.Second,
			SweepInterval:    time.Second,
			MissedHeartbeats: 2,
			QueueSize:        256,
			SendBuffer:       64,
			AuditBuffer:      256,
		},
		Client: ClientConfig{
			DeviceName:        name,
			DialTimeout:       5 * time.Second,
			AuthTimeout:       5 * time.Second,
			ActionTimeout:     30 * time.Second,
			HeartbeatTimeout:  3 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Group:    "239.255.77.77:47777",
			Interval: 2 * time.Second,
			Window:   3 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies any
// dotenv files and LANLINK_* environment variables, then validates. A
// missing file or dotenv file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		}
	}

	for _, f := range envFiles {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %s: %w", f, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Database.Identity == "" {
		errs = append(errs, errors.New("database.identity is required"))
	}
	if _, _, err := net.SplitHostPort(c.Host.Listen); err != nil {
		errs = append(errs, fmt.Errorf("host.listen: %w", err))
	}
	if c.Host.MaxSeats < 1 {
		errs = append(errs, errors.New("host.max_seats must be at least 1"))
	}
	if c.Host.MissedHeartbeats < 1 {
		errs = append(errs, errors.New("host.missed_heartbeats must be at least 1"))
	}
	if c.Client.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("client.heartbeat_interval must be positive"))
	}
	if _, _, err := net.SplitHostPort(c.Discovery.Group); err != nil {
		errs = append(errs, fmt.Errorf("discovery.group: %w", err))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
