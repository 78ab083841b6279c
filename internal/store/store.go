// Package store is the typed local store over the tenant database.
//
// Every entity that can be created or changed offline carries a synced flag.
// Local mutation paths clear it; remote import paths set it, but never over a
// row that still has a pending local change. The sync engine is the only
// component that flips synced back to 1, and only for the exact row version it
// pushed (see MarkSynced).
//
// All operations go through tenant.Manager.Do, so they fail with
// tenant.ErrNotOpen when no database is open instead of silently doing nothing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldrep/fieldsync/internal/tenant"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBookingLocked is returned when changing a booking the server has
	// already acknowledged.
	ErrBookingLocked = errors.New("booking already synced")

	// ErrInvalid is returned for input that fails validation.
	ErrInvalid = errors.New("invalid input")
)

// Config holds Store configuration.
type Config struct {
	Logger zerolog.Logger

	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// Store provides typed access to the open tenant database.
type Store struct {
	mgr      *tenant.Manager
	validate *validator.Validate
	clock    func() time.Time
	logger   zerolog.Logger

	stampMu   sync.Mutex
	lastStamp time.Time
}

// New creates a Store over mgr.
func New(mgr *tenant.Manager, cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		mgr:      mgr,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
		logger:   cfg.Logger,
	}
}

// stamp returns a strictly increasing UTC timestamp. updated_at doubles as the
// row version checked by MarkSynced, so two mutations must never share one.
func (s *Store) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()

	now := s.clock().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = now
	return now
}

// TenantKey returns the key of the open tenant database.
func (s *Store) TenantKey() (string, error) {
	h, err := s.mgr.Current()
	if err != nil {
		return "", err
	}
	return h.Key, nil
}

func (s *Store) do(ctx context.Context, fn func(db *sql.DB) error) error {
	return s.mgr.Do(ctx, func(h *tenant.Handle) error {
		return fn(h.DB)
	})
}

func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.do(ctx, func(db *sql.DB) error {
		return runTx(ctx, db, fn)
	})
}

func (s *Store) tenantTx(ctx context.Context, key string, fn func(tx *sql.Tx) error) error {
	return s.mgr.DoTenant(ctx, key, func(h *tenant.Handle) error {
		return runTx(ctx, h.DB, fn)
	})
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// SaveSessionConfig creates or replaces the session configuration row.
func (s *Store) SaveSessionConfig(ctx context.Context, c *SessionConfig) error {
	query := `
	INSERT INTO session_config (
		id, tenant_id, tenant_entity_id, server_endpoint, session_token,
		session_issued_at, display_name, company_name, company_logo, tax_id,
		address, updated_at
	) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		tenant_entity_id = excluded.tenant_entity_id,
		server_endpoint = excluded.server_endpoint,
		session_token = excluded.session_token,
		session_issued_at = excluded.session_issued_at,
		display_name = excluded.display_name,
		company_name = excluded.company_name,
		company_logo = excluded.company_logo,
		tax_id = excluded.tax_id,
		address = excluded.address,
		updated_at = excluded.updated_at
	`
	now := s.stamp()
	return s.do(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, query,
			c.TenantID,
			c.TenantEntityID,
			c.ServerEndpoint,
			c.SessionToken,
			formatOptTime(timePtr(c.SessionIssuedAt)),
			c.DisplayName,
			c.CompanyName,
			c.CompanyLogo,
			c.TaxID,
			c.Address,
			formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("failed to save session config: %w", err)
		}
		return nil
	})
}

// GetSessionConfig returns the session configuration or ErrNotFound.
func (s *Store) GetSessionConfig(ctx context.Context) (*SessionConfig, error) {
	query := `
	SELECT tenant_id, tenant_entity_id, server_endpoint, session_token,
	       session_issued_at, display_name, company_name, company_logo, tax_id,
	       address, updated_at
	FROM session_config WHERE id = 1
	`
	var c SessionConfig
	err := s.do(ctx, func(db *sql.DB) error {
		var issuedAt, updatedAt string
		err := db.QueryRowContext(ctx, query).Scan(
			&c.TenantID,
			&c.TenantEntityID,
			&c.ServerEndpoint,
			&c.SessionToken,
			&issuedAt,
			&c.DisplayName,
			&c.CompanyName,
			&c.CompanyLogo,
			&c.TaxID,
			&c.Address,
			&updatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get session config: %w", err)
		}
		if t := parseOptTime(issuedAt); t != nil {
			c.SessionIssuedAt = *t
		}
		c.UpdatedAt = parseTime(updatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClearSessionToken clears session-scoped fields and keeps the tenant and
// company metadata.
func (s *Store) ClearSessionToken(ctx context.Context) error {
	query := `
	UPDATE session_config
	SET session_token = '', session_issued_at = '', display_name = '', updated_at = ?
	WHERE id = 1
	`
	now := s.stamp()
	return s.do(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, query, formatTime(now)); err != nil {
			return fmt.Errorf("failed to clear session token: %w", err)
		}
		return nil
	})
}

// Stats counts rows per entity, pending and total.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		dst   *int
		query string
	}{
		{&st.Customers, `SELECT COUNT(*) FROM customers WHERE synced = 0`},
		{&st.Bookings, `SELECT COUNT(*) FROM order_bookings WHERE synced = 0`},
		{&st.BookingLines, `SELECT COUNT(*) FROM order_booking_lines WHERE synced = 0`},
		{&st.Receipts, `SELECT COUNT(*) FROM payment_receipts WHERE synced = 0`},
		{&st.PendingAttachments, `SELECT COUNT(*) FROM payment_receipts WHERE attachment_synced = 0 AND attachment_path != ''`},
		{&st.Pings, `SELECT COUNT(*) FROM activity_pings WHERE synced = 0`},
		{&st.CatalogItems, `SELECT COUNT(*) FROM catalog_items`},
		{&st.LedgerAccounts, `SELECT COUNT(*) FROM ledger_accounts`},
	}
	err := s.do(ctx, func(db *sql.DB) error {
		for _, c := range counts {
			if err := db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
				return fmt.Errorf("failed to count rows: %w", err)
			}
		}
		return nil
	})
	return st, err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// formatTime renders t as the canonical stored timestamp.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp; malformed or empty values are zero.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// formatOptTime renders an optional timestamp; nil is stored as ''.
func formatOptTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return formatTime(*t)
}

// parseOptTime parses an optional timestamp.
func parseOptTime(s string) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
