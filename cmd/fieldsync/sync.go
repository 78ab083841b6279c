package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push pending rows and attachments to the server",
	Long: `Push every pending customer update, order and receipt in one batch.

Rows are marked synced only after the server accepts the batch. A row edited
while the batch was in flight stays pending for the next run. Receipt
attachments are uploaded once their receipt has been accepted.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd.Context(), true)
		defer a.close()

		res := a.engine.Run(cmd.Context())
		printResult(res)
		if !res.Success {
			exit(1)
		}

		rep, err := a.relay.Run(cmd.Context())
		if err != nil {
			fmt.Printf("%s Attachments not uploaded: %v\n", ui.RenderWarn("⚠"), err)
			return
		}
		if rep.Uploaded+rep.Failed+rep.Waiting > 0 {
			fmt.Printf("   Attachments: %d uploaded, %d waiting, %d failed\n", rep.Uploaded, rep.Waiting, rep.Failed)
		}
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Download customers, catalog and ledger accounts",
	Long: `Refresh reference data from the server. Customers with a pending local
change keep it; everything else takes the server's copy.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(cmd.Context(), true)
		defer a.close()

		res := a.engine.Pull(cmd.Context())
		printResult(res)
		if !res.Success {
			exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show session and pending row counts",
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		a := mustApp(cmd.Context(), false)
		defer a.close()

		report, err := buildStatus(cmd.Context(), a)
		if err != nil {
			exitOnOpenError(err)
		}
		if err := writeStatus(os.Stdout, report, format); err != nil {
			fatalf("%v", err)
		}
	},
}

// StatusReport is what 'fieldsync status' prints.
type StatusReport struct {
	LoggedIn    bool   `json:"logged_in" yaml:"logged_in"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Tenant      string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	TenantKey   string `json:"tenant_key,omitempty" yaml:"tenant_key,omitempty"`
	Server      string `json:"server,omitempty" yaml:"server,omitempty"`
	Company     string `json:"company,omitempty" yaml:"company,omitempty"`
	SessionAge  string `json:"session_age,omitempty" yaml:"session_age,omitempty"`

	Pending PendingCounts `json:"pending" yaml:"pending"`
	Local   LocalCounts   `json:"local" yaml:"local"`
}

type PendingCounts struct {
	Customers    int `json:"customers" yaml:"customers"`
	Bookings     int `json:"bookings" yaml:"bookings"`
	BookingLines int `json:"booking_lines" yaml:"booking_lines"`
	Receipts     int `json:"receipts" yaml:"receipts"`
	Attachments  int `json:"attachments" yaml:"attachments"`
	Pings        int `json:"pings" yaml:"pings"`
	Total        int `json:"total" yaml:"total"`
}

type LocalCounts struct {
	CatalogItems   int `json:"catalog_items" yaml:"catalog_items"`
	LedgerAccounts int `json:"ledger_accounts" yaml:"ledger_accounts"`
}

func buildStatus(ctx context.Context, a *app) (*StatusReport, error) {
	v, err := a.prefs.Load()
	if err != nil {
		return nil, err
	}
	r := &StatusReport{
		LoggedIn:    v.LoggedIn,
		DisplayName: v.DisplayName,
		Tenant:      v.TenantID,
		TenantKey:   v.TenantKey,
		Server:      v.ServerEndpoint,
	}
	if err := a.resume(ctx); err != nil {
		if errors.Is(err, errNotLoggedIn) {
			return r, nil
		}
		return nil, err
	}

	if sess, err := a.guard.Validate(ctx); err == nil {
		if issued := sess.IssuedAt(); !issued.IsZero() {
			r.SessionAge = time.Since(issued).Round(time.Second).String()
		}
	}
	if sc, err := a.store.GetSessionConfig(ctx); err == nil {
		r.Company = sc.CompanyName
	} else if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, tenant.ErrNotOpen) {
		return nil, err
	}

	st, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	r.Pending = PendingCounts{
		Customers:    st.Customers,
		Bookings:     st.Bookings,
		BookingLines: st.BookingLines,
		Receipts:     st.Receipts,
		Attachments:  st.PendingAttachments,
		Pings:        st.Pings,
		Total:        st.Pending(),
	}
	r.Local = LocalCounts{CatalogItems: st.CatalogItems, LedgerAccounts: st.LedgerAccounts}
	return r, nil
}

func writeStatus(w io.Writer, r *StatusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(r)
	case "", "text":
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}

	if !r.LoggedIn {
		fmt.Fprintf(w, "\n%s Not logged in\n", ui.RenderWarn("⚠"))
		if r.Tenant != "" {
			fmt.Fprintf(w, "   Last tenant: %s (%s)\n", r.Tenant, r.Server)
		}
		fmt.Fprintln(w)
		if r.Tenant == "" {
			return nil
		}
	} else {
		fmt.Fprintf(w, "\n%s\n\n", ui.Header("Session"))
		fmt.Fprint(w, ui.Fields(
			ui.Field{Key: "Rep", Value: r.DisplayName},
			ui.Field{Key: "Company", Value: r.Company},
			ui.Field{Key: "Tenant", Value: r.Tenant},
			ui.Field{Key: "Server", Value: r.Server},
			ui.Field{Key: "Session age", Value: r.SessionAge},
		))
	}

	fmt.Fprintf(w, "\n%s\n\n", ui.Header("Pending"))
	fmt.Fprint(w, ui.Fields(
		ui.Field{Key: "Customers", Value: r.Pending.Customers},
		ui.Field{Key: "Orders", Value: r.Pending.Bookings},
		ui.Field{Key: "Order lines", Value: r.Pending.BookingLines},
		ui.Field{Key: "Receipts", Value: r.Pending.Receipts},
		ui.Field{Key: "Attachments", Value: r.Pending.Attachments},
		ui.Field{Key: "Activity pings", Value: r.Pending.Pings},
	))
	if r.Pending.Total == 0 {
		fmt.Fprintf(w, "\n%s\n\n", ui.Status(true, "Everything is synced"))
	} else {
		fmt.Fprintf(w, "\n%s\n\n", ui.RenderWarn(fmt.Sprintf("%d rows waiting for the next sync", r.Pending.Total)))
	}
	return nil
}

func printResult(res syncer.Result) {
	switch {
	case res.InProgress:
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), res.Message)
	case res.SessionExpired:
		fmt.Printf("%s %s\n", ui.RenderFail("✗"), res.Message)
	case !res.Success:
		hint := ""
		if syncer.IsRetryable(res.Err) {
			hint = ui.RenderMuted(" (will retry, nothing was lost)")
		}
		fmt.Printf("%s %s%s\n", ui.RenderFail("✗"), res.Message, hint)
	default:
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), res.Message, ui.RenderMuted(res.Duration.Round(time.Millisecond).String()))
	}
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(statusCmd)
}
