package main

import (
	"fmt"

	"github.com/fieldrep/fieldsync/internal/importer"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:     "import <customers|catalog|accounts> <file.jsonl>",
	GroupID: "advanced",
	Short:   "Load reference data from a JSONL file",
	Long: `Load customers, catalog items or ledger accounts from a JSONL file into the
current tenant database, one record per line in the same shape the server
returns. Customers with a pending local change keep it.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := importer.ParseKind(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a := mustApp(cmd.Context(), true)
		defer a.close()

		res, err := importer.Import(cmd.Context(), a.store, importer.Options{
			Kind:   kind,
			Path:   args[1],
			DryRun: dryRun,
		})
		if err != nil {
			fatalf("%v", err)
		}
		if dryRun {
			fmt.Printf("%s %d %s records parsed (dry run)\n", ui.RenderAccent("→"), res.Read, kind)
			return
		}
		fmt.Printf("%s Imported %d of %d %s records\n", ui.RenderPass("✓"), res.Written, res.Read, kind)
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Parse and count without writing")
	rootCmd.AddCommand(importCmd)
}
