package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldrep/fieldsync/internal/prefs"
	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p, err := prefs.Open(filepath.Join(dir, "prefs.toml"))
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := tenant.NewManager(tenant.Config{DataDir: dir, Logger: zerolog.Nop()}, p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	if _, err := mgr.Open(context.Background(), "rep-1", "http://sales.example"); err != nil {
		t.Fatal(err)
	}
	return store.New(mgr, store.Config{Logger: zerolog.Nop()})
}

const customersJSONL = `{"entity_id": 42, "name": "Corner Shop", "phone": "555-0100", "visited": "Unvisited"}

{"entity_id": 43, "name": "Market Stall", "assigned_rep": "rep-1"}
`

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"customers", KindCustomers, false},
		{" Catalog ", KindCatalog, false},
		{"accounts", KindAccounts, false},
		{"orders", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	records, err := Decode[remote.CustomerRecord](strings.NewReader(customersJSONL))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Decode returned %d records, want 2", len(records))
	}
	if records[1].AssignedRep != "rep-1" {
		t.Errorf("AssignedRep = %q", records[1].AssignedRep)
	}

	_, err = Decode[remote.CustomerRecord](strings.NewReader("{\"entity_id\": 1}\n{broken"))
	if err == nil || !strings.Contains(err.Error(), "record 2") {
		t.Errorf("Decode error = %v, want it to name record 2", err)
	}
}

func TestImport(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t)
	ctx := context.Background()

	custPath := writeFile(t, dir, "customers.jsonl", customersJSONL)
	catPath := writeFile(t, dir, "catalog.jsonl", `{"id": "tea", "name": "Tea 500g", "price": "12.50", "type": "beverage", "stock": 40}`+"\n")
	accPath := writeFile(t, dir, "accounts.jsonl", `{"id": "cash", "name": "Cash", "type": "cash"}`+"\n")

	res, err := Import(ctx, s, Options{Kind: KindCustomers, Path: custPath, DryRun: true})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if res.Read != 2 || res.Written != 0 {
		t.Errorf("dry run = %+v, want 2 read, 0 written", res)
	}

	for _, opts := range []Options{
		{Kind: KindCustomers, Path: custPath},
		{Kind: KindCatalog, Path: catPath},
		{Kind: KindAccounts, Path: accPath},
	} {
		if _, err := Import(ctx, s, opts); err != nil {
			t.Fatalf("Import(%s) failed: %v", opts.Kind, err)
		}
	}

	customers, err := s.ListCustomers(ctx, store.CustomerFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(customers) != 2 {
		t.Errorf("customers = %d, want 2", len(customers))
	}
	item, err := s.GetCatalogItem(ctx, "tea")
	if err != nil {
		t.Fatal(err)
	}
	if item.Price.String() != "12.5" || item.Stock != 40 {
		t.Errorf("catalog item = %+v", item)
	}

	// A local visit survives a re-import.
	if err := s.MarkVisited(ctx, 42, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(ctx, s, Options{Kind: KindCustomers, Path: custPath}); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetCustomer(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if c.VisitStatus != store.VisitStatusVisited || c.Synced {
		t.Errorf("customer 42 = %s synced=%v, want a pending visit", c.VisitStatus, c.Synced)
	}
}

func TestImport_Errors(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t)
	ctx := context.Background()

	if _, err := Import(ctx, s, Options{Kind: KindCustomers, Path: filepath.Join(dir, "none.jsonl")}); err == nil {
		t.Error("Import should fail for a missing file")
	}

	path := writeFile(t, dir, "x.jsonl", customersJSONL)
	if _, err := Import(ctx, s, Options{Kind: "orders", Path: path}); err == nil {
		t.Error("Import should fail for an unknown kind")
	}

	bad := writeFile(t, dir, "bad.jsonl", `{"entity_id": 0, "name": "no id"}`+"\n")
	if _, err := Import(ctx, s, Options{Kind: KindCustomers, Path: bad}); err == nil {
		t.Error("Import should reject a customer without an id")
	}
}

func TestLoadSeed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "customers.jsonl", customersJSONL)

	seed, err := LoadSeed(dir)
	if err != nil {
		t.Fatalf("LoadSeed failed: %v", err)
	}
	if len(seed.Customers) != 2 || len(seed.Catalog) != 0 || len(seed.Accounts) != 0 {
		t.Errorf("seed = %d/%d/%d, want 2/0/0", len(seed.Customers), len(seed.Catalog), len(seed.Accounts))
	}

	writeFile(t, dir, "catalog.jsonl", "{not json")
	if _, err := LoadSeed(dir); err == nil {
		t.Error("LoadSeed should fail on a corrupt file")
	}
}
