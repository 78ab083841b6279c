package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const customerColumns = `entity_id, name, phone, assigned_rep, last_visit_at, visit_status,
	latitude, longitude, location_status, synced, created_at, updated_at`

// UpsertCustomers imports customers from the server.
//
// Imported rows are authoritative and stored with synced = 1. A row that
// still has a pending local change (synced = 0) is left untouched; the sync
// engine's merge step reconciles it after the local change is pushed.
// Importing the same records twice yields the same rows: a record without
// updated_at keeps the stored stamp unless one of its fields changed.
//
// Returns the number of rows inserted or updated.
func (s *Store) UpsertCustomers(ctx context.Context, customers []Customer) (int, error) {
	query := `
	INSERT INTO customers (` + customerColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(entity_id) DO UPDATE SET
		name = excluded.name,
		phone = excluded.phone,
		assigned_rep = excluded.assigned_rep,
		last_visit_at = excluded.last_visit_at,
		visit_status = excluded.visit_status,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		location_status = excluded.location_status,
		synced = 1,
		updated_at = CASE WHEN ? = 1
			AND customers.name IS excluded.name
			AND customers.phone IS excluded.phone
			AND customers.assigned_rep IS excluded.assigned_rep
			AND customers.last_visit_at IS excluded.last_visit_at
			AND customers.visit_status IS excluded.visit_status
			AND customers.latitude IS excluded.latitude
			AND customers.longitude IS excluded.longitude
			AND customers.location_status IS excluded.location_status
			THEN customers.updated_at ELSE excluded.updated_at END
	WHERE customers.synced = 1
	`

	for i := range customers {
		if err := s.check(&customers[i]); err != nil {
			return 0, fmt.Errorf("customer %d: %w", customers[i].EntityID, err)
		}
	}

	applied := 0
	err := s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare customer upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range customers {
			updatedAt, stamped := c.UpdatedAt, false
			if updatedAt.IsZero() {
				updatedAt, stamped = s.stamp(), true
			}
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = updatedAt
			}
			status := c.VisitStatus
			if status == "" {
				status = VisitStatusUnvisited
			}

			res, err := stmt.ExecContext(ctx,
				c.EntityID,
				c.Name,
				c.Phone,
				c.AssignedRep,
				formatOptTime(c.LastVisitAt),
				status,
				nullFloat(c.Latitude),
				nullFloat(c.Longitude),
				c.LocationStatus,
				formatTime(createdAt),
				formatTime(updatedAt),
				boolInt(stamped),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert customer %d: %w", c.EntityID, err)
			}
			n, _ := res.RowsAffected()
			applied += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// GetCustomer returns one customer or ErrNotFound.
func (s *Store) GetCustomer(ctx context.Context, entityID int64) (*Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE entity_id = ?`

	var c *Customer
	err := s.do(ctx, func(db *sql.DB) error {
		got, err := scanCustomer(db.QueryRowContext(ctx, query, entityID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("customer %d: %w", entityID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		c = got
		return nil
	})
	return c, err
}

// CustomerFilter narrows ListCustomers.
type CustomerFilter struct {
	// VisitStatus filters by visit status (empty = all)
	VisitStatus string
	// AssignedRep filters by assigned rep (empty = all)
	AssignedRep string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListCustomers returns customers ordered by name, then entity id.
func (s *Store) ListCustomers(ctx context.Context, f CustomerFilter) ([]Customer, error) {
	var conditions []string
	var args []any

	if f.VisitStatus != "" {
		conditions = append(conditions, "visit_status = ?")
		args = append(args, f.VisitStatus)
	}
	if f.AssignedRep != "" {
		conditions = append(conditions, "assigned_rep = ?")
		args = append(args, f.AssignedRep)
	}

	query := `SELECT ` + customerColumns + ` FROM customers`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name ASC, entity_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []Customer
	err := s.do(ctx, func(db *sql.DB) error {
		var err error
		out, err = queryCustomers(ctx, db, query, args...)
		return err
	})
	return out, err
}

// MarkVisited records a visit by the rep. The row becomes pending.
func (s *Store) MarkVisited(ctx context.Context, entityID int64, at time.Time) error {
	if at.IsZero() {
		at = s.clock()
	}
	query := `
	UPDATE customers
	SET visit_status = ?, last_visit_at = ?, synced = 0, updated_at = ?
	WHERE entity_id = ?
	`
	now := s.stamp()
	return s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, VisitStatusVisited, formatTime(at), formatTime(now), entityID)
		if err != nil {
			return fmt.Errorf("failed to mark customer %d visited: %w", entityID, err)
		}
		return requireOne(res, "customer", entityID)
	})
}

// RecordLocation stores the customer's position as captured on site. The row
// becomes pending.
func (s *Store) RecordLocation(ctx context.Context, entityID int64, lat, lon float64) error {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrInvalid, lat, lon)
	}
	query := `
	UPDATE customers
	SET latitude = ?, longitude = ?, location_status = ?, synced = 0, updated_at = ?
	WHERE entity_id = ?
	`
	now := s.stamp()
	return s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, lat, lon, LocationFresh, formatTime(now), entityID)
		if err != nil {
			return fmt.Errorf("failed to record location for customer %d: %w", entityID, err)
		}
		return requireOne(res, "customer", entityID)
	})
}

// MergeServerCustomers applies authoritative customer records returned by the
// server after a successful sync, in the tenant identified by key.
//
// Only fields the server included are written. Identity fields (name, phone,
// assigned rep) always take the server value. Visit and location fields are
// owned by the rep and only overwritten on rows without a pending change.
// Unknown customers are inserted as synced rows.
func (s *Store) MergeServerCustomers(ctx context.Context, key string, customers []ServerCustomer) (int, error) {
	if len(customers) == 0 {
		return 0, nil
	}

	query := `
	INSERT INTO customers (` + customerColumns + `)
	VALUES (?1, COALESCE(?2, ''), COALESCE(?3, ''), COALESCE(?4, ''), COALESCE(?6, ''),
	        COALESCE(?5, 'Unvisited'), ?7, ?8, COALESCE(?9, ''), 1, ?10, ?10)
	ON CONFLICT(entity_id) DO UPDATE SET
		name = COALESCE(?2, customers.name),
		phone = COALESCE(?3, customers.phone),
		assigned_rep = COALESCE(?4, customers.assigned_rep),
		visit_status = CASE WHEN customers.synced = 1 THEN COALESCE(?5, customers.visit_status) ELSE customers.visit_status END,
		last_visit_at = CASE WHEN customers.synced = 1 THEN COALESCE(?6, customers.last_visit_at) ELSE customers.last_visit_at END,
		latitude = CASE WHEN customers.synced = 1 THEN COALESCE(?7, customers.latitude) ELSE customers.latitude END,
		longitude = CASE WHEN customers.synced = 1 THEN COALESCE(?8, customers.longitude) ELSE customers.longitude END,
		location_status = CASE WHEN customers.synced = 1 THEN COALESCE(?9, customers.location_status) ELSE customers.location_status END,
		updated_at = CASE WHEN customers.synced = 1 THEN ?10 ELSE customers.updated_at END
	`

	merged := 0
	err := s.tenantTx(ctx, key, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare customer merge: %w", err)
		}
		defer stmt.Close()

		for _, c := range customers {
			if c.EntityID <= 0 {
				s.logger.Warn().Int64("entity_id", c.EntityID).Msg("skipping server customer without id")
				continue
			}
			var lastVisit any
			if c.LastVisitAt != nil {
				lastVisit = formatTime(*c.LastVisitAt)
			}
			_, err := stmt.ExecContext(ctx,
				c.EntityID,
				nullString(c.Name),
				nullString(c.Phone),
				nullString(c.AssignedRep),
				nullString(c.VisitStatus),
				lastVisit,
				nullFloat(c.Latitude),
				nullFloat(c.Longitude),
				nullString(c.LocationStatus),
				formatTime(s.stamp()),
			)
			if err != nil {
				return fmt.Errorf("failed to merge customer %d: %w", c.EntityID, err)
			}
			merged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return merged, nil
}

func queryCustomers(ctx context.Context, q querier, query string, args ...any) ([]Customer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating customers: %w", err)
	}
	return out, nil
}

func scanCustomer(r rowScanner) (*Customer, error) {
	var c Customer
	var lastVisit, createdAt, updatedAt string
	var lat, lon sql.NullFloat64

	err := r.Scan(
		&c.EntityID,
		&c.Name,
		&c.Phone,
		&c.AssignedRep,
		&lastVisit,
		&c.VisitStatus,
		&lat,
		&lon,
		&c.LocationStatus,
		&c.Synced,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}

	c.LastVisitAt = parseOptTime(lastVisit)
	c.Latitude = floatPtr(lat)
	c.Longitude = floatPtr(lon)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func requireOne(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
