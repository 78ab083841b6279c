package syncer

import (
	"context"
	"errors"

	"github.com/fieldrep/fieldsync/internal/remote"
	"github.com/fieldrep/fieldsync/internal/session"
	"github.com/fieldrep/fieldsync/internal/tenant"
)

var (
	// ErrTenantMismatch is returned when the open database does not belong
	// to the session's tenant.
	ErrTenantMismatch = errors.New("open database does not match session tenant")

	// ErrPanic wraps a panic recovered during a run.
	ErrPanic = errors.New("sync panicked")
)

// IsRetryable returns true if the error is likely to succeed on a later run.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Network errors, timeouts and 5xx answers
	if errors.Is(err, remote.ErrTransport) {
		return true
	}

	// A tenant switch mid-run; the rows are still pending in their database
	if errors.Is(err, tenant.ErrTenantChanged) || errors.Is(err, ErrTenantMismatch) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsSessionInvalid returns true if the error means the rep must log in again.
func IsSessionInvalid(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, session.ErrExpired) || remote.IsSessionInvalid(err)
}

// IsFatal returns true if the error cannot be fixed by retrying or logging
// in again.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// The database file cannot be brought up to date
	if errors.Is(err, tenant.ErrSchemaMigration) {
		return true
	}

	// Called before any tenant was opened: a wiring bug
	if errors.Is(err, tenant.ErrNotOpen) {
		return true
	}

	return errors.Is(err, ErrPanic)
}
