package main

import (
	"fmt"
	"os"

	"github.com/fieldrep/fieldsync/internal/config"
	"github.com/fieldrep/fieldsync/internal/devserver"
	"github.com/fieldrep/fieldsync/internal/importer"
	"github.com/fieldrep/fieldsync/internal/logging"
	"github.com/spf13/cobra"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "advanced",
	Short:   "Run an in-memory sales server for local testing",
	Long: `Run an in-memory implementation of the sales server API.

Log in against it with:
  fieldsync login --endpoint http://127.0.0.1:8787 --credential demo

--seed points at a directory holding customers.jsonl, catalog.jsonl and
accounts.jsonl. Data lives only as long as the process.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath, dataDir)
		if err != nil {
			fatalf("%v", err)
		}
		addr := cfg.DevServer.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		seedDir, _ := cmd.Flags().GetString("seed")
		secret, _ := cmd.Flags().GetString("config-secret")
		if secret == "" {
			secret = cfg.Session.ConfigSecret
		}

		var seed *importer.Seed
		if seedDir != "" {
			seed, err = importer.LoadSeed(seedDir)
			if err != nil {
				fatalf("%v", err)
			}
		}

		logger := logging.New(logging.Config{Level: cfg.Log.Level, Console: true})
		if verbose {
			logger = logging.New(logging.Config{Level: "debug", Console: true})
		}

		srv := devserver.New(devserver.Config{
			Logger:       logger,
			Seed:         seed,
			ConfigSecret: secret,
		})

		fmt.Printf("Dev server on http://%s (credential %q)\n", addr, devserver.DemoCode)
		fmt.Println("Press Ctrl+C to stop...")
		if err := srv.ListenAndServe(cmd.Context(), addr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
	},
}

func init() {
	devserverCmd.Flags().String("addr", "", "Listen address (default from config: 127.0.0.1:8787)")
	devserverCmd.Flags().String("seed", "", "Directory with customers.jsonl, catalog.jsonl, accounts.jsonl")
	devserverCmd.Flags().String("config-secret", "", "Sign the company configuration with this secret")
	rootCmd.AddCommand(devserverCmd)
}
