package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCatalogItems replaces catalog items by id. The catalog is read-only on
// the device, so the server copy always wins.
func (s *Store) UpsertCatalogItems(ctx context.Context, items []CatalogItem) (int, error) {
	query := `
	INSERT INTO catalog_items (id, name, price, item_type, image_ref, stock, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		price = excluded.price,
		item_type = excluded.item_type,
		image_ref = excluded.image_ref,
		stock = excluded.stock,
		updated_at = CASE WHEN ? = 1
			AND catalog_items.name IS excluded.name
			AND catalog_items.price IS excluded.price
			AND catalog_items.item_type IS excluded.item_type
			AND catalog_items.image_ref IS excluded.image_ref
			AND catalog_items.stock IS excluded.stock
			THEN catalog_items.updated_at ELSE excluded.updated_at END
	`
	for i := range items {
		if err := s.check(&items[i]); err != nil {
			return 0, fmt.Errorf("catalog item %q: %w", items[i].ID, err)
		}
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare catalog upsert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			updatedAt, stamped := it.UpdatedAt, false
			if updatedAt.IsZero() {
				updatedAt, stamped = s.stamp(), true
			}
			if _, err := stmt.ExecContext(ctx,
				it.ID, it.Name, it.Price.String(), it.ItemType, it.ImageRef, it.Stock, formatTime(updatedAt),
				boolInt(stamped),
			); err != nil {
				return fmt.Errorf("failed to upsert catalog item %s: %w", it.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// GetCatalogItem returns one catalog item or ErrNotFound.
func (s *Store) GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error) {
	var it *CatalogItem
	err := s.do(ctx, func(db *sql.DB) error {
		var err error
		it, err = getCatalogItem(ctx, db, id)
		return err
	})
	return it, err
}

// ListCatalogItems returns catalog items ordered by name. An empty itemType
// returns every item.
func (s *Store) ListCatalogItems(ctx context.Context, itemType string) ([]CatalogItem, error) {
	query := `SELECT id, name, price, item_type, image_ref, stock, updated_at FROM catalog_items`
	var args []any
	if itemType != "" {
		query += " WHERE item_type = ?"
		args = append(args, itemType)
	}
	query += " ORDER BY name ASC, id ASC"

	var out []CatalogItem
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query catalog: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			it, err := scanCatalogItem(rows)
			if err != nil {
				return err
			}
			out = append(out, *it)
		}
		return rows.Err()
	})
	return out, err
}

func getCatalogItem(ctx context.Context, q querier, id string) (*CatalogItem, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, price, item_type, image_ref, stock, updated_at FROM catalog_items WHERE id = ?`, id)
	it, err := scanCatalogItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog item %s: %w", id, ErrNotFound)
	}
	return it, err
}

func scanCatalogItem(r rowScanner) (*CatalogItem, error) {
	var it CatalogItem
	var updatedAt string
	if err := r.Scan(&it.ID, &it.Name, &it.Price, &it.ItemType, &it.ImageRef, &it.Stock, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan catalog item: %w", err)
	}
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}

// UpsertLedgerAccounts replaces ledger accounts by id. As with catalog items,
// an unchanged record without updated_at keeps its stored stamp.
func (s *Store) UpsertLedgerAccounts(ctx context.Context, accounts []LedgerAccount) (int, error) {
	query := `
	INSERT INTO ledger_accounts (id, name, account_type, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		account_type = excluded.account_type,
		updated_at = CASE WHEN ? = 1
			AND ledger_accounts.name IS excluded.name
			AND ledger_accounts.account_type IS excluded.account_type
			THEN ledger_accounts.updated_at ELSE excluded.updated_at END
	`
	for i := range accounts {
		if err := s.check(&accounts[i]); err != nil {
			return 0, fmt.Errorf("ledger account %q: %w", accounts[i].ID, err)
		}
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		for _, a := range accounts {
			updatedAt, stamped := a.UpdatedAt, false
			if updatedAt.IsZero() {
				updatedAt, stamped = s.stamp(), true
			}
			if _, err := tx.ExecContext(ctx, query, a.ID, a.Name, a.AccountType, formatTime(updatedAt), boolInt(stamped)); err != nil {
				return fmt.Errorf("failed to upsert ledger account %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(accounts), nil
}

// ListLedgerAccounts returns all ledger accounts ordered by name.
func (s *Store) ListLedgerAccounts(ctx context.Context) ([]LedgerAccount, error) {
	var out []LedgerAccount
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, name, account_type, updated_at FROM ledger_accounts ORDER BY name ASC, id ASC`)
		if err != nil {
			return fmt.Errorf("failed to query ledger accounts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var a LedgerAccount
			var updatedAt string
			if err := rows.Scan(&a.ID, &a.Name, &a.AccountType, &updatedAt); err != nil {
				return fmt.Errorf("failed to scan ledger account: %w", err)
			}
			a.UpdatedAt = parseTime(updatedAt)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func ledgerAccountExists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_accounts WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up ledger account: %w", err)
	}
	return n > 0, nil
}
