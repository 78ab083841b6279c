package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const testEndpoint = "https://erp.example.com"

func newTestStore(t *testing.T) (*Store, *tenant.Manager) {
	t.Helper()

	dir := t.TempDir()
	p, err := prefs.Open(filepath.Join(dir, "prefs.toml"))
	if err != nil {
		t.Fatalf("prefs.Open() failed: %v", err)
	}
	mgr, err := tenant.NewManager(tenant.Config{DataDir: dir, Logger: zerolog.Nop()}, p)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	if _, err := mgr.Open(context.Background(), "rep-1", testEndpoint); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return New(mgr, Config{Logger: zerolog.Nop()}), mgr
}

// seed imports one customer, a catalog item and a ledger account.
func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.UpsertCustomers(ctx, []Customer{{EntityID: 42, Name: "Corner Shop", Phone: "555-0100"}}); err != nil {
		t.Fatalf("UpsertCustomers() failed: %v", err)
	}
	if _, err := s.UpsertCatalogItems(ctx, []CatalogItem{{ID: "tea", Name: "Tea 500g", Price: decimal.RequireFromString("12.50")}}); err != nil {
		t.Fatalf("UpsertCatalogItems() failed: %v", err)
	}
	if _, err := s.UpsertLedgerAccounts(ctx, []LedgerAccount{{ID: "cash", Name: "Cash", AccountType: "cash"}}); err != nil {
		t.Fatalf("UpsertLedgerAccounts() failed: %v", err)
	}
}

func TestStore_NotOpen(t *testing.T) {
	s, mgr := newTestStore(t)
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.ListCustomers(ctx, CustomerFilter{}); !errors.Is(err, tenant.ErrNotOpen) {
		t.Errorf("ListCustomers() error = %v, want ErrNotOpen", err)
	}
	if err := s.MarkVisited(ctx, 42, time.Time{}); !errors.Is(err, tenant.ErrNotOpen) {
		t.Errorf("MarkVisited() error = %v, want ErrNotOpen", err)
	}
	if _, err := s.CollectPending(ctx); !errors.Is(err, tenant.ErrNotOpen) {
		t.Errorf("CollectPending() error = %v, want ErrNotOpen", err)
	}
}

func TestUpsertCustomers_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	in := []Customer{
		{EntityID: 1, Name: "Alpha", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{EntityID: 2, Name: "Beta", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for i := 0; i < 2; i++ {
		if _, err := s.UpsertCustomers(ctx, in); err != nil {
			t.Fatalf("UpsertCustomers() pass %d failed: %v", i, err)
		}
	}

	got, err := s.ListCustomers(ctx, CustomerFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d customers, want 2", len(got))
	}
	for _, c := range got {
		if !c.Synced {
			t.Errorf("imported customer %d not synced", c.EntityID)
		}
		if c.VisitStatus != VisitStatusUnvisited {
			t.Errorf("customer %d visit status = %q", c.EntityID, c.VisitStatus)
		}
	}
}

func TestUpsert_UnstampedRecordsKeepVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	customer := []Customer{{EntityID: 7, Name: "Gamma", Phone: "555-0107"}}
	item := []CatalogItem{{ID: "rice", Name: "Rice 1kg", Price: decimal.RequireFromString("3.20")}}
	account := []LedgerAccount{{ID: "bank", Name: "Bank", AccountType: "bank"}}

	importAll := func() {
		t.Helper()
		if _, err := s.UpsertCustomers(ctx, customer); err != nil {
			t.Fatalf("UpsertCustomers() failed: %v", err)
		}
		if _, err := s.UpsertCatalogItems(ctx, item); err != nil {
			t.Fatalf("UpsertCatalogItems() failed: %v", err)
		}
		if _, err := s.UpsertLedgerAccounts(ctx, account); err != nil {
			t.Fatalf("UpsertLedgerAccounts() failed: %v", err)
		}
	}
	versions := func() (time.Time, time.Time, time.Time) {
		t.Helper()
		c, err := s.GetCustomer(ctx, 7)
		if err != nil {
			t.Fatal(err)
		}
		it, err := s.GetCatalogItem(ctx, "rice")
		if err != nil {
			t.Fatal(err)
		}
		accounts, err := s.ListLedgerAccounts(ctx)
		if err != nil || len(accounts) != 1 {
			t.Fatalf("ListLedgerAccounts() = %v, %v", accounts, err)
		}
		return c.UpdatedAt, it.UpdatedAt, accounts[0].UpdatedAt
	}

	importAll()
	c1, i1, a1 := versions()
	importAll()
	c2, i2, a2 := versions()
	if !c2.Equal(c1) || !i2.Equal(i1) || !a2.Equal(a1) {
		t.Errorf("re-import changed versions: customer %v->%v item %v->%v account %v->%v", c1, c2, i1, i2, a1, a2)
	}

	customer[0].Phone = "555-0199"
	item[0].Price = decimal.RequireFromString("3.40")
	account[0].Name = "Main Bank"
	importAll()
	c3, i3, a3 := versions()
	if !c3.After(c2) || !i3.After(i2) || !a3.After(a2) {
		t.Errorf("changed records kept old versions: customer %v item %v account %v", c3, i3, a3)
	}
}

func TestUpsertCustomers_KeepsPendingLocalWrite(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.MarkVisited(ctx, 42, time.Now()); err != nil {
		t.Fatalf("MarkVisited() failed: %v", err)
	}
	if _, err := s.UpsertCustomers(ctx, []Customer{{EntityID: 42, Name: "Renamed", VisitStatus: VisitStatusUnvisited}}); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetCustomer(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if c.Synced {
		t.Error("import flipped a pending row to synced")
	}
	if c.VisitStatus != VisitStatusVisited || c.Name != "Corner Shop" {
		t.Errorf("import clobbered pending row: %+v", c)
	}
}

func TestMarkVisitedAndRecordLocation(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	visitAt := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	if err := s.MarkVisited(ctx, 42, visitAt); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordLocation(ctx, 42, 24.86, 67.01); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetCustomer(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if c.Synced {
		t.Error("customer still synced after local mutation")
	}
	if c.LastVisitAt == nil || !c.LastVisitAt.Equal(visitAt) {
		t.Errorf("LastVisitAt = %v, want %v", c.LastVisitAt, visitAt)
	}
	if c.Latitude == nil || *c.Latitude != 24.86 || c.LocationStatus != LocationFresh {
		t.Errorf("location not recorded: %+v", c)
	}

	tests := []struct {
		name     string
		id       int64
		lat, lon float64
		want     error
	}{
		{"unknown customer", 99, 1, 1, ErrNotFound},
		{"latitude out of range", 42, 91, 0, ErrInvalid},
		{"longitude out of range", 42, 0, -181, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.RecordLocation(ctx, tt.id, tt.lat, tt.lon); !errors.Is(err, tt.want) {
				t.Errorf("RecordLocation() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateBooking_PricesAndTotals(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	custom := decimal.RequireFromString("10")
	b, lines, err := s.CreateBooking(ctx, NewBooking{
		CustomerID: 42,
		Lines: []NewBookingLine{
			{ItemID: "tea", Quantity: 2},
			{ItemID: "tea", Quantity: 1, UnitPrice: &custom},
		},
	})
	if err != nil {
		t.Fatalf("CreateBooking() failed: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !lines[0].Amount.Equal(decimal.RequireFromString("25")) {
		t.Errorf("line 0 amount = %s, want 25", lines[0].Amount)
	}
	if !b.TotalAmount.Equal(decimal.RequireFromString("35")) {
		t.Errorf("total = %s, want 35", b.TotalAmount)
	}

	added, err := s.AddBookingLine(ctx, b.ID, NewBookingLine{ItemID: "tea", Quantity: 4})
	if err != nil {
		t.Fatalf("AddBookingLine() failed: %v", err)
	}
	if err := s.UpdateLineQuantity(ctx, added.ID, 2); err != nil {
		t.Fatalf("UpdateLineQuantity() failed: %v", err)
	}

	got, err := s.GetBooking(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("60")) {
		t.Errorf("total after edits = %s, want 60", got.TotalAmount)
	}
	all, err := s.ListBookingLines(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d lines after add, want 3", len(all))
	}
}

func TestCreateBooking_Invalid(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewBooking
		want error
	}{
		{"no lines", NewBooking{CustomerID: 42}, ErrInvalid},
		{"zero quantity", NewBooking{CustomerID: 42, Lines: []NewBookingLine{{ItemID: "tea"}}}, ErrInvalid},
		{"unknown item", NewBooking{CustomerID: 42, Lines: []NewBookingLine{{ItemID: "coffee", Quantity: 1}}}, ErrNotFound},
		{"unknown customer", NewBooking{CustomerID: 7, Lines: []NewBookingLine{{ItemID: "tea", Quantity: 1}}}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := s.CreateBooking(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateBooking() error = %v, want %v", err, tt.want)
			}
		})
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Bookings != 0 || st.BookingLines != 0 {
		t.Errorf("failed creates left rows behind: %+v", st)
	}
}

func TestBooking_LockedOnceSynced(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	b, lines, err := s.CreateBooking(ctx, NewBooking{CustomerID: 42, Lines: []NewBookingLine{{ItemID: "tea", Quantity: 1}}})
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.CollectPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkSynced(ctx, p); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddBookingLine(ctx, b.ID, NewBookingLine{ItemID: "tea", Quantity: 1}); !errors.Is(err, ErrBookingLocked) {
		t.Errorf("AddBookingLine() error = %v, want ErrBookingLocked", err)
	}
	if err := s.UpdateLineQuantity(ctx, lines[0].ID, 5); !errors.Is(err, ErrBookingLocked) {
		t.Errorf("UpdateLineQuantity() error = %v, want ErrBookingLocked", err)
	}
}

func TestCreateReceipt_AttachmentFlag(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	plain, err := s.CreateReceipt(ctx, NewReceipt{CustomerID: 42, AccountID: "cash", Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatalf("CreateReceipt() failed: %v", err)
	}
	if !plain.AttachmentSynced {
		t.Error("receipt without attachment has a pending attachment")
	}

	withFile, err := s.CreateReceipt(ctx, NewReceipt{
		CustomerID:     42,
		AccountID:      "cash",
		Amount:         decimal.NewFromInt(20),
		AttachmentPath: filepath.Join(t.TempDir(), "slip.jpg"),
	})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingAttachments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != withFile.ID {
		t.Fatalf("PendingAttachments() = %+v, want only %s", pending, withFile.ID)
	}

	if err := s.MarkAttachmentSynced(ctx, withFile.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetReceipt(ctx, withFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.AttachmentSynced || got.Synced {
		t.Errorf("flags = (synced=%v, attachment=%v), want (false, true)", got.Synced, got.AttachmentSynced)
	}
	if !got.UpdatedAt.Equal(withFile.UpdatedAt) {
		t.Error("MarkAttachmentSynced changed the record version")
	}

	tests := []struct {
		name string
		in   NewReceipt
		want error
	}{
		{"zero amount", NewReceipt{CustomerID: 42, AccountID: "cash"}, ErrInvalid},
		{"negative amount", NewReceipt{CustomerID: 42, AccountID: "cash", Amount: decimal.NewFromInt(-1)}, ErrInvalid},
		{"missing account", NewReceipt{CustomerID: 42, Amount: decimal.NewFromInt(1)}, ErrInvalid},
		{"unknown account", NewReceipt{CustomerID: 42, AccountID: "bank", Amount: decimal.NewFromInt(1)}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateReceipt(ctx, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("CreateReceipt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCollectPending_OrderAndMark(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	p, err := s.CollectPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total() != 0 {
		t.Fatalf("fresh import has %d pending rows", p.Total())
	}

	if _, err := s.UpsertCustomers(ctx, []Customer{{EntityID: 43, Name: "Second"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkVisited(ctx, 43, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkVisited(ctx, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}
	r, err := s.CreateReceipt(ctx, NewReceipt{CustomerID: 42, AccountID: "cash", Amount: decimal.NewFromInt(500)})
	if err != nil {
		t.Fatal(err)
	}

	p, err = s.CollectPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total() != 3 {
		t.Fatalf("Total() = %d, want 3", p.Total())
	}
	// Customer 42 was imported first, so it is created first.
	if p.Customers[0].EntityID != 42 || p.Customers[1].EntityID != 43 {
		t.Errorf("customers out of order: %d, %d", p.Customers[0].EntityID, p.Customers[1].EntityID)
	}
	if p.Receipts[0].ID != r.ID {
		t.Errorf("receipt = %s, want %s", p.Receipts[0].ID, r.ID)
	}

	n, err := s.MarkSynced(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("MarkSynced() = %d, want 3", n)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending() != 0 {
		t.Errorf("pending after mark = %+v", st)
	}
}

func TestMarkSynced_RowChangedInFlightStaysPending(t *testing.T) {
	s, _ := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.MarkVisited(ctx, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}
	p, err := s.CollectPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The rep edits the row while the batch is on the wire.
	if err := s.RecordLocation(ctx, 42, 1, 2); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkSynced(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("MarkSynced() = %d, want 0", n)
	}
	c, err := s.GetCustomer(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if c.Synced {
		t.Error("row mutated during flight was marked synced")
	}
}

func TestMarkSynced_OtherTenantRejected(t *testing.T) {
	s, mgr := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.MarkVisited(ctx, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}
	p, err := s.CollectPending(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Open(ctx, "rep-2", testEndpoint); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkSynced(ctx, p); !errors.Is(err, tenant.ErrTenantChanged) {
		t.Errorf("MarkSynced() error = %v, want ErrTenantChanged", err)
	}
}

func TestMergeServerCustomers(t *testing.T) {
	s, mgr := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	if _, err := s.UpsertCustomers(ctx, []Customer{{EntityID: 50, Name: "Clean", Phone: "1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkVisited(ctx, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}
	h, err := mgr.Current()
	if err != nil {
		t.Fatal(err)
	}

	name := "Corner Shop Ltd"
	stale := LocationStale
	unvisited := VisitStatusUnvisited
	n, err := s.MergeServerCustomers(ctx, h.Key, []ServerCustomer{
		{EntityID: 42, Name: &name, VisitStatus: &unvisited},
		{EntityID: 50, LocationStatus: &stale},
		{EntityID: 60, Name: &name},
	})
	if err != nil {
		t.Fatalf("MergeServerCustomers() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("merged = %d, want 3", n)
	}

	dirty, _ := s.GetCustomer(ctx, 42)
	if dirty.Name != name {
		t.Errorf("identity field not taken from server: %q", dirty.Name)
	}
	if dirty.VisitStatus != VisitStatusVisited || dirty.Synced {
		t.Errorf("pending visit overwritten: %+v", dirty)
	}
	if dirty.Phone != "555-0100" {
		t.Errorf("omitted field overwritten: phone = %q", dirty.Phone)
	}

	clean, _ := s.GetCustomer(ctx, 50)
	if clean.LocationStatus != LocationStale || clean.Name != "Clean" {
		t.Errorf("clean row merge = %+v", clean)
	}

	inserted, err := s.GetCustomer(ctx, 60)
	if err != nil {
		t.Fatalf("unknown server customer not inserted: %v", err)
	}
	if !inserted.Synced || inserted.VisitStatus != VisitStatusUnvisited {
		t.Errorf("inserted = %+v", inserted)
	}
}

func TestActivityPings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.AppendPing(ctx, 24.8, 67.0, base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("AppendPing() failed: %v", err)
		}
		ids = append(ids, id)
	}

	pending, err := s.UnsyncedPings(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != ids[0] {
		t.Fatalf("UnsyncedPings(2) = %+v", pending)
	}

	key, err := s.TenantKey()
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.MarkPingsSynced(ctx, key, []int64{pending[0].ID, pending[1].ID})
	if err != nil || n != 2 {
		t.Fatalf("MarkPingsSynced() = %d, %v", n, err)
	}

	since, err := s.ListPings(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].ID != ids[2] || since[0].Synced {
		t.Errorf("ListPings(since) = %+v", since)
	}
}

func TestSessionConfig(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSessionConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSessionConfig() error = %v, want ErrNotFound", err)
	}

	in := &SessionConfig{
		TenantID:        "rep-1",
		TenantEntityID:  "900",
		ServerEndpoint:  testEndpoint,
		SessionToken:    "01HZY",
		SessionIssuedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		DisplayName:     "Asha",
		CompanyName:     "Acme Traders",
		TaxID:           "NTN-1",
	}
	if err := s.SaveSessionConfig(ctx, in); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearSessionToken(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSessionConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionToken != "" || got.DisplayName != "" || !got.SessionIssuedAt.IsZero() {
		t.Errorf("session fields survived clear: %+v", got)
	}
	if got.CompanyName != "Acme Traders" || got.TenantEntityID != "900" {
		t.Errorf("tenant metadata lost on clear: %+v", got)
	}
}
