package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/ui"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var visitCmd = &cobra.Command{
	Use:     "visit <entity-id>",
	GroupID: "field",
	Short:   "Mark a customer as visited",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustEntityID(args[0])

		a := mustApp(cmd.Context(), true)
		defer a.close()

		if err := a.store.MarkVisited(cmd.Context(), id, time.Now()); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Customer %d marked visited\n", ui.RenderPass("✓"), id)
	},
}

var locateCmd = &cobra.Command{
	Use:     "locate <entity-id> <lat> <lon>",
	GroupID: "field",
	Short:   "Record a customer's position",
	Args:    cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustEntityID(args[0])
		lat, err := strconv.ParseFloat(args[1], 64)
		if err != nil || lat < -90 || lat > 90 {
			fatalf("invalid latitude %q", args[1])
		}
		lon, err := strconv.ParseFloat(args[2], 64)
		if err != nil || lon < -180 || lon > 180 {
			fatalf("invalid longitude %q", args[2])
		}

		a := mustApp(cmd.Context(), true)
		defer a.close()

		if err := a.store.RecordLocation(cmd.Context(), id, lat, lon); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Location of customer %d set to %.6f, %.6f\n", ui.RenderPass("✓"), id, lat, lon)
	},
}

var orderCmd = &cobra.Command{
	Use:     "order",
	GroupID: "field",
	Short:   "Book an order for a customer",
	Long: `Book an order. Each --item is <catalog-id>:<quantity>, optionally with a
price override as <catalog-id>:<quantity>@<unit-price>.

  fieldsync order --customer 42 --item tea:2 --item sugar:1@3.50`,
	Run: func(cmd *cobra.Command, args []string) {
		customer, _ := cmd.Flags().GetInt64("customer")
		items, _ := cmd.Flags().GetStringArray("item")
		note, _ := cmd.Flags().GetString("note")

		lines, err := parseItems(items)
		if err != nil {
			fatalf("%v", err)
		}

		a := mustApp(cmd.Context(), true)
		defer a.close()

		b, created, err := a.store.CreateBooking(cmd.Context(), store.NewBooking{
			CustomerID: customer,
			Note:       note,
			Lines:      lines,
		})
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Order %s booked for customer %d\n", ui.RenderPass("✓"), b.ID, b.CustomerID)
		for _, l := range created {
			fmt.Printf("   %-12s %4d x %8s = %10s\n", l.ItemID, l.Quantity, l.UnitPrice.StringFixed(2), l.Amount.StringFixed(2))
		}
		fmt.Printf("   %s %s\n", ui.Header("Total"), b.TotalAmount.StringFixed(2))
	},
}

var receiptCmd = &cobra.Command{
	Use:     "receipt",
	GroupID: "field",
	Short:   "Record a payment collected from a customer",
	Run: func(cmd *cobra.Command, args []string) {
		customer, _ := cmd.Flags().GetInt64("customer")
		account, _ := cmd.Flags().GetString("account")
		amountStr, _ := cmd.Flags().GetString("amount")
		attachment, _ := cmd.Flags().GetString("attachment")
		note, _ := cmd.Flags().GetString("note")

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			fatalf("invalid amount %q", amountStr)
		}
		if attachment != "" {
			if _, err := os.Stat(attachment); err != nil {
				fatalf("attachment: %v", err)
			}
		}

		a := mustApp(cmd.Context(), true)
		defer a.close()

		r, err := a.store.CreateReceipt(cmd.Context(), store.NewReceipt{
			CustomerID:     customer,
			AccountID:      account,
			Amount:         amount,
			Note:           note,
			AttachmentPath: attachment,
		})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Receipt %s: %s from customer %d into %s\n",
			ui.RenderPass("✓"), r.ID, r.Amount.StringFixed(2), r.CustomerID, r.AccountID)
		if r.AttachmentPath != "" {
			fmt.Printf("   Attachment: %s\n", r.AttachmentPath)
		}
	},
}

var activityCmd = &cobra.Command{
	Use:     "activity",
	GroupID: "field",
	Short:   "List recorded activity pings",
	Long: `List activity pings recorded by the daemon.

--since takes a timestamp or a phrase such as "2 hours ago" or "yesterday".`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceStr, _ := cmd.Flags().GetString("since")
		record, _ := cmd.Flags().GetBool("record")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")

		since, err := parseSince(sinceStr, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		a := mustApp(cmd.Context(), true)
		defer a.close()

		if record {
			if _, err := a.store.AppendPing(cmd.Context(), lat, lon, time.Now()); err != nil {
				fatalf("%v", err)
			}
		}

		pings, err := a.store.ListPings(cmd.Context(), since)
		if err != nil {
			fatalf("%v", err)
		}
		if len(pings) == 0 {
			fmt.Printf("No activity since %s\n", since.Local().Format("2006-01-02 15:04"))
			return
		}
		for _, p := range pings {
			mark := ui.RenderWarn("•")
			if p.Synced {
				mark = ui.RenderPass("✓")
			}
			fmt.Printf("%s %s  %10.6f %11.6f\n", mark, p.RecordedAt.Local().Format("2006-01-02 15:04:05"), p.Latitude, p.Longitude)
		}
	},
}

func mustEntityID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid customer id %q", s)
	}
	return id
}

// parseItems turns id:qty[@price] flags into booking lines.
func parseItems(items []string) ([]store.NewBookingLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one --item is required")
	}
	lines := make([]store.NewBookingLine, 0, len(items))
	for _, it := range items {
		id, rest, ok := strings.Cut(it, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid item %q (want id:qty)", it)
		}
		qtyStr, priceStr, hasPrice := strings.Cut(rest, "@")
		qty, err := strconv.ParseInt(qtyStr, 10, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("invalid quantity in %q", it)
		}
		line := store.NewBookingLine{ItemID: id, Quantity: qty}
		if hasPrice {
			price, err := decimal.NewFromString(priceStr)
			if err != nil || price.IsNegative() {
				return nil, fmt.Errorf("invalid price in %q", it)
			}
			line.UnitPrice = &price
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// parseSince accepts RFC 3339, a date, a Go duration ("90m") or a natural
// language phrase. Empty means the start of today.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", s)
	}
	return r.Time, nil
}

func init() {
	orderCmd.Flags().Int64("customer", 0, "Customer entity id")
	orderCmd.Flags().StringArray("item", nil, "Line as <catalog-id>:<qty>[@<unit-price>] (repeatable)")
	orderCmd.Flags().String("note", "", "Order note")
	_ = orderCmd.MarkFlagRequired("customer")

	receiptCmd.Flags().Int64("customer", 0, "Customer entity id")
	receiptCmd.Flags().String("account", "", "Ledger account id")
	receiptCmd.Flags().String("amount", "", "Amount collected")
	receiptCmd.Flags().String("attachment", "", "Photo or PDF of the receipt")
	receiptCmd.Flags().String("note", "", "Receipt note")
	_ = receiptCmd.MarkFlagRequired("customer")
	_ = receiptCmd.MarkFlagRequired("account")
	_ = receiptCmd.MarkFlagRequired("amount")

	activityCmd.Flags().String("since", "", `Start of the listing, e.g. "2 hours ago" (default: today)`)
	activityCmd.Flags().Bool("record", false, "Record a ping at --lat/--lon first")
	activityCmd.Flags().Float64("lat", 0, "Latitude for --record")
	activityCmd.Flags().Float64("lon", 0, "Longitude for --record")

	rootCmd.AddCommand(visitCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(receiptCmd)
	rootCmd.AddCommand(activityCmd)
}
