package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldrep/fieldsync/internal/tenant"
)

// Pending is a snapshot of every unsynced pushable row, taken in one read
// transaction. It remembers the tenant it came from and the version
// (updated_at) of each row so MarkSynced only acknowledges what was sent.
type Pending struct {
	TenantKey string
	Customers []Customer
	Bookings  []OrderBooking
	Lines     []OrderBookingLine
	Receipts  []PaymentReceipt

	versions map[string]string
}

// Total returns the number of collected rows.
func (p *Pending) Total() int {
	if p == nil {
		return 0
	}
	return len(p.Customers) + len(p.Bookings) + len(p.Lines) + len(p.Receipts)
}

// pushable tables in push order, with their primary key column.
var pushable = []struct {
	table string
	pk    string
}{
	{"customers", "entity_id"},
	{"order_bookings", "id"},
	{"order_booking_lines", "id"},
	{"payment_receipts", "id"},
}

func versionKey(table string, id any) string {
	return fmt.Sprintf("%s:%v", table, id)
}

// CollectPending reads all unsynced customers, bookings, lines and receipts,
// each ordered by creation time then id.
func (s *Store) CollectPending(ctx context.Context) (*Pending, error) {
	p := &Pending{versions: make(map[string]string)}

	err := s.mgr.Do(ctx, func(h *tenant.Handle) error {
		p.TenantKey = h.Key
		return runTx(ctx, h.DB, func(tx *sql.Tx) error {
			var err error
			p.Customers, err = queryCustomers(ctx, tx,
				`SELECT `+customerColumns+` FROM customers WHERE synced = 0 ORDER BY created_at ASC, entity_id ASC`)
			if err != nil {
				return err
			}
			p.Bookings, err = queryBookings(ctx, tx,
				`SELECT `+bookingColumns+` FROM order_bookings WHERE synced = 0 ORDER BY created_at ASC, id ASC`)
			if err != nil {
				return err
			}
			p.Lines, err = queryLines(ctx, tx,
				`SELECT `+lineColumns+` FROM order_booking_lines WHERE synced = 0 ORDER BY created_at ASC, id ASC`)
			if err != nil {
				return err
			}
			p.Receipts, err = queryReceipts(ctx, tx,
				`SELECT `+receiptColumns+` FROM payment_receipts WHERE synced = 0 ORDER BY created_at ASC, id ASC`)
			if err != nil {
				return err
			}

			for _, t := range pushable {
				if err := collectVersions(ctx, tx, t.table, t.pk, p.versions); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// collectVersions records the raw updated_at of every unsynced row in table.
func collectVersions(ctx context.Context, q querier, table, pk string, into map[string]string) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s, updated_at FROM %s WHERE synced = 0`, pk, table))
	if err != nil {
		return fmt.Errorf("failed to read %s versions: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id any
		var version string
		if err := rows.Scan(&id, &version); err != nil {
			return fmt.Errorf("failed to scan %s version: %w", table, err)
		}
		if b, ok := id.([]byte); ok {
			id = string(b)
		}
		into[versionKey(table, id)] = version
	}
	return rows.Err()
}

// MarkSynced flips synced to 1 for the rows in p, in the tenant p was
// collected from, all in one transaction. A row whose updated_at changed
// since collection was mutated during the flight and stays pending.
//
// Returns the number of rows marked. Fails with tenant.ErrTenantChanged if
// another tenant is open now.
func (s *Store) MarkSynced(ctx context.Context, p *Pending) (int, error) {
	if p.Total() == 0 {
		return 0, nil
	}

	marked := 0
	err := s.tenantTx(ctx, p.TenantKey, func(tx *sql.Tx) error {
		mark := func(table, pk string, id any) error {
			version, ok := p.versions[versionKey(table, id)]
			if !ok {
				return nil
			}
			res, err := tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET synced = 1 WHERE %s = ? AND synced = 0 AND updated_at = ?`, table, pk),
				id, version)
			if err != nil {
				return fmt.Errorf("failed to mark %s %v synced: %w", table, id, err)
			}
			n, _ := res.RowsAffected()
			marked += int(n)
			return nil
		}

		for _, c := range p.Customers {
			if err := mark("customers", "entity_id", c.EntityID); err != nil {
				return err
			}
		}
		for _, b := range p.Bookings {
			if err := mark("order_bookings", "id", b.ID); err != nil {
				return err
			}
		}
		for _, l := range p.Lines {
			if err := mark("order_booking_lines", "id", l.ID); err != nil {
				return err
			}
		}
		for _, r := range p.Receipts {
			if err := mark("payment_receipts", "id", r.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if skipped := p.Total() - marked; skipped > 0 {
		s.logger.Debug().Int("skipped", skipped).Msg("rows changed during sync stay pending")
	}
	return marked, nil
}
