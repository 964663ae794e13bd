package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/stocker/lanlink/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	envFile    string
}

func main() {
	var g globalFlags

	rootCmd := &cobra.Command{
		Use:   "lanlink",
		Short: "Share one database between machines on a local network",
		Long: `lanlink lets several machines on the same LAN work on one database.

The first instance to open the database becomes the Host and announces
itself on the network; later instances find it and join as Clients.
Every change goes through the Host, one write at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "lanlink.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Dotenv file with LANLINK_* overrides")

	rootCmd.AddCommand(
		runCmd(&g),
		browseCmd(&g),
		hashCredentialCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func (g *globalFlags) load() (*config.Config, error) {
	return config.Load(g.configPath, g.envFile)
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}
			fmt.Printf("  Version:    %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Built:      %s\n", date)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
