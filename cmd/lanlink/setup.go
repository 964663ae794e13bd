package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/stocker/lanlink/internal/audit"
	"github.com/stocker/lanlink/internal/client"
	"github.com/stocker/lanlink/internal/config"
	"github.com/stocker/lanlink/internal/discovery"
	"github.com/stocker/lanlink/internal/hostserver"
	"github.com/stocker/lanlink/internal/netmgr"
	"github.com/stocker/lanlink/internal/security"
)

// newManager wires a Network Manager from configuration. The returned
// cleanup flushes the audit log and must run after the manager is closed.
func newManager(cfg *config.Config, log *slog.Logger) (*netmgr.Manager, func(), error) {
	accounts := security.NewAccounts(0)
	for user, digest := range cfg.Host.Accounts {
		if err := accounts.AddDigest(user, digest); err != nil {
			return nil, nil, err
		}
	}
	if len(cfg.Host.Accounts) == 0 {
		log.Warn("no accounts configured; this instance cannot admit clients while hosting")
	}

	auditLog := audit.NewAsync(audit.SlogSink{Logger: log.With(slog.String("component", "audit"))}, cfg.Host.AuditBuffer, log)

	m := netmgr.New(netmgr.Config{
		DatabasePath:      cfg.Database.Path,
		DatabaseIdentity:  cfg.Database.Identity,
		LockTimeout:       cfg.Database.LockTimeout,
		HostName:          cfg.Node.Name,
		AppVersion:        version,
		ListenAddr:        cfg.Host.Listen,
		AdvertiseAddress:  cfg.Host.AdvertiseAddress,
		DiscoveryWindow:   cfg.Discovery.Window,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		Credentials: client.Credentials{
			Username:   cfg.Client.Username,
			Password:   cfg.Client.Password,
			DeviceID:   deviceID(cfg),
			DeviceName: cfg.Client.DeviceName,
		},
		Discovery: discovery.Config{
			Group:     cfg.Discovery.Group,
			Interface: cfg.Discovery.Interface,
			Interval:  cfg.Discovery.Interval,
			Logger:    log,
		},
		Host: hostserver.Options{
			AuthGrace:        cfg.Host.AuthGrace,
			MissedHeartbeats: cfg.Host.MissedHeartbeats,
			SweepInterval:    cfg.Host.SweepInterval,
			QueueSize:        cfg.Host.QueueSize,
			SendBuffer:       cfg.Host.SendBuffer,
			AllowedOrigins:   cfg.Host.AllowedOrigins,
		},
		Client: client.Options{
			DialTimeout:      cfg.Client.DialTimeout,
			AuthTimeout:      cfg.Client.AuthTimeout,
			HeartbeatTimeout: cfg.Client.HeartbeatTimeout,
			ActionTimeout:    cfg.Client.ActionTimeout,
		},
		License:       security.StaticLicense{Seats: cfg.Host.MaxSeats},
		Crypto:        security.Crypto{},
		Authenticator: accounts,
		Audit:         auditLog,
		Logger:        log,
	})
	return m, auditLog.Close, nil
}

// deviceID is stable per machine and user unless configured.
func deviceID(cfg *config.Config) string {
	if cfg.Client.DeviceID != "" {
		return cfg.Client.DeviceID
	}
	host, _ := os.Hostname()
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("lanlink/%s/%s", host, cfg.Client.Username))).String()
}
