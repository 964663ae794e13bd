package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "lanlink.yaml", `
node:
  name: front-desk
database:
  path: /srv/acme.db
  identity: acme
host:
  listen: "0.0.0.0:9000"
  max_seats: 3
  accounts:
    alice: "$2a$10$abcdefghijklmnopqrstuv"
client:
  username: bob
  heartbeat_interval: 2s
discovery:
  window: 5s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"node.name", cfg.Node.Name, "front-desk"},
		{"database.path", cfg.Database.Path, "/srv/acme.db"},
		{"database.identity", cfg.Database.Identity, "acme"},
		{"host.listen", cfg.Host.Listen, "0.0.0.0:9000"},
		{"host.max_seats", cfg.Host.MaxSeats, 3},
		{"host.accounts", cfg.Host.Accounts["alice"], "$2a$10$abcdefghijklmnopqrstuv"},
		{"client.username", cfg.Client.Username, "bob"},
		{"client.heartbeat_interval", cfg.Client.HeartbeatInterval, 2 * time.Second},
		{"discovery.window", cfg.Discovery.Window, 5 * time.Second},
		{"log.format", cfg.Log.Format, "json"},

		// Defaults survive for unspecified fields.
		{"database.lock_timeout", cfg.Database.LockTimeout, time.Second},
		{"host.missed_heartbeats", cfg.Host.MissedHeartbeats, 2},
		{"discovery.group", cfg.Discovery.Group, "239.255.77.77:47777"},
		{"client.action_timeout", cfg.Client.ActionTimeout, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Host, Default().Host) {
		t.Errorf("host = %+v, want defaults %+v", cfg.Host, Default().Host)
	}
	if cfg.Database.Path != "lanlink.db" {
		t.Errorf("database.path = %q, want lanlink.db", cfg.Database.Path)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "bad.yaml", ":::not valid yaml")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "lanlink.yaml", "database:\n  identity: acme\nhost:\n  max_seats: 3\n")
	t.Setenv("LANLINK_HOST_MAX_SEATS", "7")
	t.Setenv("LANLINK_DATABASE_LOCK_TIMEOUT", "250ms")
	t.Setenv("LANLINK_HOST_ALLOWED_ORIGINS", "http://a.local,http://b.local")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Host.MaxSeats != 7 {
		t.Errorf("max_seats = %d, want 7", cfg.Host.MaxSeats)
	}
	if cfg.Database.LockTimeout != 250*time.Millisecond {
		t.Errorf("lock_timeout = %v, want 250ms", cfg.Database.LockTimeout)
	}
	if want := []string{"http://a.local", "http://b.local"}; !reflect.DeepEqual(cfg.Host.AllowedOrigins, want) {
		t.Errorf("allowed_origins = %v, want %v", cfg.Host.AllowedOrigins, want)
	}
	if cfg.Database.Identity != "acme" {
		t.Errorf("identity = %q, want acme from the file", cfg.Database.Identity)
	}
}

func TestDotenvFile(t *testing.T) {
	dotenv := writeFile(t, ".env", "LANLINK_CLIENT_USERNAME=carol\nLANLINK_DATABASE_IDENTITY=globex\n")
	// Variables already in the process win over the dotenv file.
	t.Setenv("LANLINK_DATABASE_IDENTITY", "initech")
	t.Cleanup(func() { os.Unsetenv("LANLINK_CLIENT_USERNAME") })

	cfg, err := Load("", dotenv, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Client.Username != "carol" {
		t.Errorf("username = %q, want carol", cfg.Client.Username)
	}
	if cfg.Database.Identity != "initech" {
		t.Errorf("identity = %q, want initech", cfg.Database.Identity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"empty identity", func(c *Config) { c.Database.Identity = "" }, "database.identity"},
		{"bad listen", func(c *Config) { c.Host.Listen = "7777" }, "host.listen"},
		{"no seats", func(c *Config) { c.Host.MaxSeats = 0 }, "host.max_seats"},
		{"no missed heartbeats", func(c *Config) { c.Host.MissedHeartbeats = 0 }, "host.missed_heartbeats"},
		{"zero heartbeat", func(c *Config) { c.Client.HeartbeatInterval = 0 }, "client.heartbeat_interval"},
		{"bad group", func(c *Config) { c.Discovery.Group = "239.255.77.77" }, "discovery.group"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line leaked past warn level: %s", out)
	}
	if !strings.HasPrefix(out, "{") {
		t.Errorf("expected JSON output, got %s", out)
	}
	if !strings.Contains(out, `"k":"v"`) {
		t.Errorf("missing attribute: %s", out)
	}
}
