// Package importer loads reference data from JSONL files into the tenant
// database, for seeding a device before its first pull or for running the
// reference server against fixed data.
//
// Each line holds one record in the same shape the server returns from
// /api/customers, /api/catalog or /api/ledger-accounts.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/store"
	"github.com/fieldrep/fieldsync/internal/syncer"
)

// Kind names the entity a JSONL file holds.
type Kind string

const (
	KindCustomers Kind = "customers"
	KindCatalog   Kind = "catalog"
	KindAccounts  Kind = "accounts"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCustomers, KindCatalog, KindAccounts:
		return k, nil
	}
	return "", fmt.Errorf("unknown import kind %q (want customers, catalog or accounts)", s)
}

// Upserter is the store surface an import writes to.
type Upserter interface {
	UpsertCustomers(ctx context.Context, customers []store.Customer) (int, error)
	UpsertCatalogItems(ctx context.Context, items []store.CatalogItem) (int, error)
	UpsertLedgerAccounts(ctx context.Context, accounts []store.LedgerAccount) (int, error)
}

// Options contains configuration for an import
type Options struct {
	Kind   Kind
	Path   string
	DryRun bool // parse and count without writing
}

// Result contains statistics about an import
type Result struct {
	Read    int
	Written int
}

// Decode reads one JSON value of type T per line. Blank lines are skipped.
func Decode[T any](r io.Reader) ([]T, error) {
	var out []T
	decoder := json.NewDecoder(r)
	for n := 1; ; n++ {
		var v T
		if err := decoder.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", n, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadFile decodes the JSONL file at path.
func ReadFile[T any](path string) ([]T, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return Decode[T](file)
}

// Import reads opts.Path and upserts its records. Customer rows with local
// changes keep them, as with a pull.
func Import(ctx context.Context, st Upserter, opts Options) (*Result, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	res := &Result{}
	var err error
	switch opts.Kind {
	case KindCustomers:
		err = importRecords(ctx, opts, res, syncer.CustomersFromRecords, st.UpsertCustomers)
	case KindCatalog:
		err = importRecords(ctx, opts, res, syncer.CatalogFromRecords, st.UpsertCatalogItems)
	case KindAccounts:
		err = importRecords(ctx, opts, res, syncer.LedgerFromRecords, st.UpsertLedgerAccounts)
	default:
		_, err = ParseKind(string(opts.Kind))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func importRecords[R any, E any](
	ctx context.Context,
	opts Options,
	res *Result,
	convert func([]R) []E,
	upsert func(context.Context, []E) (int, error),
) error {
	records, err := ReadFile[R](opts.Path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", opts.Path, err)
	}
	res.Read = len(records)
	if opts.DryRun || len(records) == 0 {
		return nil
	}

	n, err := upsert(ctx, convert(records))
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", opts.Kind, err)
	}
	res.Written = n
	return nil
}

// Seed is reference data for the dev server.
type Seed struct {
	Customers []remote.CustomerRecord
	Catalog   []remote.CatalogRecord
	Accounts  []remote.LedgerAccountRecord
}

// LoadSeed reads customers.jsonl, catalog.jsonl and accounts.jsonl from dir.
// Missing files leave their part empty.
func LoadSeed(dir string) (*Seed, error) {
	seed := &Seed{}
	parts := []struct {
		name string
		load func(path string) error
	}{
		{"customers.jsonl", func(p string) (err error) { seed.Customers, err = ReadFile[remote.CustomerRecord](p); return }},
		{"catalog.jsonl", func(p string) (err error) { seed.Catalog, err = ReadFile[remote.CatalogRecord](p); return }},
		{"accounts.jsonl", func(p string) (err error) { seed.Accounts, err = ReadFile[remote.LedgerAccountRecord](p); return }},
	}
	for _, part := range parts {
		path := filepath.Join(dir, part.name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := part.load(path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", part.name, err)
		}
	}
	return seed, nil
}
