package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/stocker/lanlink/internal/netmgr"
	"github.com/stocker/lanlink/internal/tui/app"
)

type runFlags struct {
	host       bool
	join       string
	standalone bool
	tui        bool
	logFile    string
}

func runCmd(g *globalFlags) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the database and join or host the local network",
		Long: `Open the configured database and take a network role.

By default lanlink listens for a Host serving the same database and joins
it, or becomes the Host itself when none answers. --host, --join and
--standalone pick the role explicitly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), g, f)
		},
	}
	cmd.Flags().BoolVar(&f.host, "host", false, "Become the Host without browsing")
	cmd.Flags().StringVar(&f.join, "join", "", "Join the Host at host:port")
	cmd.Flags().BoolVar(&f.standalone, "standalone", false, "Stay offline")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "Show the interactive dashboard")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "Write logs to this file (default stderr, or lanlink.log with --tui)")
	cmd.MarkFlagsMutuallyExclusive("host", "join", "standalone")
	return cmd
}

func run(parent context.Context, g *globalFlags, f runFlags) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	logPath := f.logFile
	if logPath == "" && f.tui {
		logPath = "lanlink.log"
	}
	if logPath != "" {
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer file.Close()
		out = file
	}
	log := cfg.Log.NewLogger(out)
	slog.SetDefault(log)

	mgr, flushAudit, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer flushAudit()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Close(ctx); err != nil {
			log.Warn("shutdown", slog.Any("err", err))
		}
	}()

	if err := mgr.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := takeRole(ctx, mgr, f); err != nil {
		if f.join != "" || f.host {
			return err
		}
		log.Error("could not take a network role; staying standalone", slog.Any("err", err))
	}

	if f.tui {
		p := tea.NewProgram(app.New(mgr, app.Options{
			Identity:     cfg.Database.Identity,
			BrowseWindow: cfg.Discovery.Window,
		}), tea.WithAltScreen(), tea.WithContext(ctx))
		detach := app.Attach(p, mgr)
		defer detach()
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	}

	unsubscribe := mgr.Subscribe(func(s netmgr.Status) {
		attrs := []any{slog.String("role", string(s.Role)), slog.String("state", string(s.ConnectionState))}
		if s.CurrentHost != nil {
			attrs = append(attrs, slog.String("host", s.CurrentHost.Addr()))
		}
		log.Info("network status", attrs...)
	})
	defer unsubscribe()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func takeRole(ctx context.Context, mgr *netmgr.Manager, f runFlags) error {
	switch {
	case f.standalone:
		return nil
	case f.host:
		return mgr.BecomeHost(ctx)
	case f.join != "":
		return mgr.JoinAddress(ctx, f.join)
	default:
		return mgr.AutoJoin(ctx)
	}
}
