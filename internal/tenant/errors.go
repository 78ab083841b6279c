package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned when a database operation runs before Open.
	// Correct call order makes this impossible, so it is never retried.
	ErrNotOpen = errors.New("tenant database not open")

	// ErrTenantChanged is returned by DoTenant when the open database belongs
	// to a different tenant than the caller expected.
	ErrTenantChanged = errors.New("tenant database changed")

	// ErrNoTenant is returned by Resume when no tenant was ever recorded.
	ErrNoTenant = errors.New("no tenant recorded")

	// ErrSchemaMigration marks a failure to bring the schema up to date.
	// The application cannot proceed with that database file.
	ErrSchemaMigration = errors.New("schema migration failed")
)

// MigrationError describes which migration step failed.
type MigrationError struct {
	Table string
	Step  string
	Err   error
}

func (e *MigrationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("schema migration failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("schema migration failed at %s on %s: %v", e.Step, e.Table, e.Err)
}

func (e *MigrationError) Unwrap() []error {
	return []error{ErrSchemaMigration, e.Err}
}
