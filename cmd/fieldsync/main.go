// Command fieldsync is the field-sales sync client: it records visits, orders
// and receipts in a per-tenant SQLite database and pushes them to the server
// whenever it is reachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	verbose    bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field sales client",
	Long: `fieldsync keeps a field rep's customers, orders and payment receipts in a
local database and synchronizes them with the sales server.

Everything works offline. Rows are pushed by 'fieldsync sync' or, when the
daemon is running, as soon as the server becomes reachable.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			ui.DisableColor()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "session", Title: "Session:"},
		&cobra.Group{ID: "field", Title: "Field work:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/fieldsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.fieldsync)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr at debug level")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exit(1)
}
