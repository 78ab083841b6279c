package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fieldrep/fieldsync/internal/loadtest"
	"github.com/fieldrep/fieldsync/internal/logging"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress local writes against concurrent sync runs",
	Long: `Run concurrent visits and receipts against a scratch tenant database while
sync runs push them to an in-process dev server, then check that every row
was delivered.

Examples:
  # Defaults: 200 customers, 8 writers, 5 seconds
  fieldsync loadtest

  # Heavier run with JSON output
  fieldsync loadtest --writers 32 --duration 30s --json
`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("customers", 200, "Number of seeded customers")
	loadtestCmd.Flags().Int("writers", 8, "Concurrent writers")
	loadtestCmd.Flags().Int("syncers", 2, "Concurrent sync callers")
	loadtestCmd.Flags().Duration("duration", 5*time.Second, "How long writers run")
	loadtestCmd.Flags().Duration("sync-interval", 50*time.Millisecond, "Pause between sync attempts")
	loadtestCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	customers, _ := cmd.Flags().GetInt("customers")
	writers, _ := cmd.Flags().GetInt("writers")
	syncers, _ := cmd.Flags().GetInt("syncers")
	duration, _ := cmd.Flags().GetDuration("duration")
	interval, _ := cmd.Flags().GetDuration("sync-interval")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if customers <= 0 || writers <= 0 || syncers <= 0 {
		fatalf("--customers, --writers and --syncers must be positive")
	}

	dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
	if err != nil {
		fatalf("failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)

	logger := logging.New(logging.Config{Level: "warn", Console: verbose})

	if !jsonOutput {
		fmt.Printf("%s Running %d writers and %d syncers for %v...\n", ui.RenderAccent("⏱"), writers, syncers, duration)
	}
	rep, err := loadtest.Run(cmd.Context(), dir, loadtest.Config{
		Customers:    customers,
		Writers:      writers,
		Syncers:      syncers,
		Duration:     duration,
		SyncInterval: interval,
		Logger:       logger,
	})
	if err != nil {
		fatalf("%v", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fatalf("%v", err)
		}
	} else {
		printLoadReport(rep)
	}
	if !rep.OK() {
		_ = os.RemoveAll(dir)
		exit(1)
	}
}

func printLoadReport(rep *loadtest.Report) {
	fmt.Printf("\n%s\n\n", ui.Header("Local writes"))
	fmt.Print(latencyFields(rep.Writes))
	fmt.Printf("\n%s\n\n", ui.Header("Sync runs"))
	fmt.Print(latencyFields(rep.Syncs))
	fmt.Printf("\n%s\n\n", ui.Header("Delivery"))
	fmt.Print(ui.Fields(
		ui.Field{Key: "Visits", Value: rep.Visits},
		ui.Field{Key: "Receipts", Value: rep.Receipts},
		ui.Field{Key: "Write errors", Value: rep.WriteErrors},
		ui.Field{Key: "Rejected runs", Value: rep.Rejected},
		ui.Field{Key: "Drain runs", Value: rep.DrainRuns},
		ui.Field{Key: "Pending", Value: rep.Pending},
		ui.Field{Key: "Lost", Value: len(rep.Lost)},
	))
	fmt.Printf("\n%s\n\n", ui.Status(rep.OK(), "every row delivered"))
}

func latencyFields(s loadtest.LatencyStats) string {
	return ui.Fields(
		ui.Field{Key: "Count", Value: s.Count},
		ui.Field{Key: "P50", Value: s.P50},
		ui.Field{Key: "P95", Value: s.P95},
		ui.Field{Key: "P99", Value: s.P99},
		ui.Field{Key: "Max", Value: s.Max},
	)
}
