package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/stocker/lanlink/internal/discovery"
)

func browseCmd(g *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List Hosts announcing themselves on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Discovery.Window
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			hosts, err := browse(ctx, discovery.Config{
				Group:     cfg.Discovery.Group,
				Interface: cfg.Discovery.Interface,
				Logger:    cfg.Log.NewLogger(os.Stderr),
			}, timeout)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(hosts)
			}
			if len(hosts) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No hosts answered within %s.\n", timeout)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), hostTable(hosts, cfg.Database.Identity))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "How long to listen (default discovery.window)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print hosts as JSON")
	return cmd
}

func browse(ctx context.Context, cfg discovery.Config, timeout time.Duration) ([]discovery.DiscoveredHost, error) {
	ch, err := discovery.NewBrowser(cfg).Browse(ctx, timeout)
	if err != nil {
		return nil, err
	}
	hosts := []discovery.DiscoveredHost{}
	for h := range ch {
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// hostTable renders hosts, marking the ones serving identity.
func hostTable(hosts []discovery.DiscoveredHost, identity string) string {
	match := lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	rows := make([][]string, 0, len(hosts))
	for _, h := range hosts {
		db := h.DatabaseIdentity
		if db == identity {
			db = match.Render(db + " *")
		}
		rows = append(rows, []string{
			h.HostName,
			h.Addr(),
			db,
			strconv.Itoa(h.ActiveSeats) + "/" + strconv.Itoa(h.MaxSeats),
			h.AppVersion,
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))).
		Headers("HOST", "ADDRESS", "DATABASE", "SEATS", "VERSION").
		Rows(rows...).
		String()
}
