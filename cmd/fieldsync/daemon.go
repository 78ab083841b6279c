package main

import (
	"fmt"
	"os"

	"github.com/fieldrep/fieldsync/internal/daemon"
	"github.com/fieldrep/fieldsync/internal/dashboard"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Probe the server and sync as soon as it becomes reachable
  2. Upload receipt attachments dropped into the attachments directory
  3. Record an activity ping at the configured position on a timer

With --dashboard-port the daemon also serves a WebSocket feed of sync results
and pending counts at ws://127.0.0.1:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd.Context(), true)
		defer a.close()

		cfg := a.cfg.Daemon
		if cmd.Flags().Changed("dashboard-port") {
			cfg.DashboardPort, _ = cmd.Flags().GetInt("dashboard-port")
		}

		if err := os.MkdirAll(a.cfg.Attachments.Dir, 0o750); err != nil {
			fatalf("failed to create attachments directory: %v", err)
		}

		dcfg := daemon.Config{
			Logger:           a.logger.With().Str("component", "daemon").Logger(),
			ProbeInterval:    cfg.ProbeInterval,
			PingInterval:     cfg.PingInterval,
			DebounceInterval: cfg.DebounceInterval,
			AttachmentDir:    a.cfg.Attachments.Dir,
		}
		if cfg.Latitude != 0 || cfg.Longitude != 0 {
			dcfg.Locate = daemon.FixedLocator(cfg.Latitude, cfg.Longitude)
		}

		var feed *dashboard.Server
		if cfg.DashboardPort > 0 {
			feed = dashboard.NewServer(dashboard.Config{
				Port:   cfg.DashboardPort,
				Logger: a.logger.With().Str("component", "dashboard").Logger(),
			})
			if err := feed.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer func() {
				if err := feed.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()

			h := dashboard.NewHandler(feed, a.store, a.logger)
			a.engine.AddObserver(h)
			dcfg.OnStatusChange = h.OnConnectivity
			h.RefreshStats(cmd.Context())
		}

		d, err := daemon.New(a.engine, a.relay, daemon.HealthProbe{Client: a.remote, Sessions: a.guard}, a.store, dcfg)
		if err != nil {
			fatalf("failed to create daemon: %v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Attachments dir: %s\n", a.cfg.Attachments.Dir)
		if feed != nil {
			fmt.Printf("   Dashboard: ws://%s/ws\n", feed.Addr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().IntP("dashboard-port", "p", 0, "Serve the WebSocket status feed on this port (0 = off)")
	rootCmd.AddCommand(daemonCmd)
}
