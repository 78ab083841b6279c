package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is recorded in PRAGMA user_version after a successful
// migration. It is informational: migration never depends on it.
const SchemaVersion = 3

// baseTables are created if absent. Columns added after a table first shipped
// must ALSO be listed in addedColumns so existing files pick them up.
var baseTables = []struct {
	name string
	ddl  string
}{
	{"session_config", `
	CREATE TABLE IF NOT EXISTS session_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		tenant_id TEXT NOT NULL DEFAULT '',
		tenant_entity_id TEXT NOT NULL DEFAULT '',
		server_endpoint TEXT NOT NULL DEFAULT '',
		session_token TEXT NOT NULL DEFAULT '',
		session_issued_at TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		company_name TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"customers", `
	CREATE TABLE IF NOT EXISTS customers (
		entity_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		assigned_rep TEXT NOT NULL DEFAULT '',
		last_visit_at TEXT NOT NULL DEFAULT '',
		visit_status TEXT NOT NULL DEFAULT 'Unvisited',
		latitude REAL,
		longitude REAL,
		synced INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"catalog_items", `
	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		item_type TEXT NOT NULL DEFAULT '',
		image_ref TEXT NOT NULL DEFAULT '',
		stock INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"ledger_accounts", `
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		account_type TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"order_bookings", `
	CREATE TABLE IF NOT EXISTS order_bookings (
		id TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		booked_at TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		total_amount TEXT NOT NULL DEFAULT '0',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"order_booking_lines", `
	CREATE TABLE IF NOT EXISTS order_booking_lines (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		unit_price TEXT NOT NULL DEFAULT '0',
		amount TEXT NOT NULL DEFAULT '0',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (booking_id) REFERENCES order_bookings(id)
	)`},
	{"payment_receipts", `
	CREATE TABLE IF NOT EXISTS payment_receipts (
		id TEXT PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '0',
		note TEXT NOT NULL DEFAULT '',
		attachment_path TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	)`},
	{"activity_pings", `
	CREATE TABLE IF NOT EXISTS activity_pings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0
	)`},
}

// addedColumns are appended to existing tables when missing. Entries are
// never removed or renamed: a column that shipped stays forever.
var addedColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"session_config", "company_logo", "TEXT NOT NULL DEFAULT ''"},
	{"session_config", "tax_id", "TEXT NOT NULL DEFAULT ''"},
	{"session_config", "address", "TEXT NOT NULL DEFAULT ''"},
	{"customers", "location_status", "TEXT NOT NULL DEFAULT ''"},
	{"payment_receipts", "attachment_synced", "INTEGER NOT NULL DEFAULT 1"},
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_customers_synced ON customers(synced, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_synced ON order_bookings(synced, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_booking ON order_booking_lines(booking_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_synced ON order_booking_lines(synced, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_synced ON payment_receipts(synced, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_attachment ON payment_receipts(attachment_synced)`,
	`CREATE INDEX IF NOT EXISTS idx_pings_synced ON activity_pings(synced, recorded_at)`,
}

// Migrate brings db up to the current schema. It is idempotent and purely
// additive: tables are created if absent and missing columns are appended.
// Columns that exist but are unknown to this build are left alone.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, t := range baseTables {
		if _, err := db.ExecContext(ctx, t.ddl); err != nil {
			return &MigrationError{Table: t.name, Step: "create table", Err: err}
		}
	}

	for _, c := range addedColumns {
		have, err := columnExists(ctx, db, c.table, c.column)
		if err != nil {
			return &MigrationError{Table: c.table, Step: "inspect columns", Err: err}
		}
		if have {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.column, c.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return &MigrationError{Table: c.table, Step: "add column " + c.column, Err: err}
		}
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return &MigrationError{Step: "create index", Err: err}
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return &MigrationError{Step: "record version", Err: err}
	}
	return nil
}

// columnExists reports whether table has column.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return false, err
	}

	found := false
	for rows.Next() {
		// cid, name, type, notnull, dflt_value, pk
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return false, err
		}
		var name string
		switch v := vals[1].(type) {
		case string:
			name = v
		case []byte:
			name = string(v)
		}
		if strings.EqualFold(name, column) {
			found = true
		}
	}
	return found, rows.Err()
}
