package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

const receiptColumns = `id, customer_id, account_id, amount, note, attachment_path, synced,
	attachment_synced, created_at, updated_at`

// CreateReceipt stores a collected payment. The record is created pending;
// the attachment flag is pending only when an attachment path is given.
func (s *Store) CreateReceipt(ctx context.Context, nr NewReceipt) (*PaymentReceipt, error) {
	if err := s.check(&nr); err != nil {
		return nil, err
	}
	if !nr.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalid)
	}

	attachment := ""
	if nr.AttachmentPath != "" {
		abs, err := filepath.Abs(nr.AttachmentPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve attachment path: %w", err)
		}
		attachment = abs
	}

	now := s.stamp()
	r := PaymentReceipt{
		ID:               uuid.NewString(),
		CustomerID:       nr.CustomerID,
		AccountID:        nr.AccountID,
		Amount:           nr.Amount,
		Note:             nr.Note,
		AttachmentPath:   attachment,
		AttachmentSynced: attachment == "",
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := customerExists(ctx, tx, r.CustomerID); err != nil {
			return err
		}
		ok, err := ledgerAccountExists(ctx, tx, r.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger account %s: %w", r.AccountID, ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_receipts (`+receiptColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			r.ID, r.CustomerID, r.AccountID, r.Amount.String(), r.Note, r.AttachmentPath,
			boolInt(r.AttachmentSynced), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReceipt returns a receipt or ErrNotFound.
func (s *Store) GetReceipt(ctx context.Context, id string) (*PaymentReceipt, error) {
	var r *PaymentReceipt
	err := s.do(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM payment_receipts WHERE id = ?`, id)
		got, err := scanReceipt(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("receipt %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		r = got
		return nil
	})
	return r, err
}

// PendingAttachments returns receipts whose attachment has not been uploaded,
// oldest first.
func (s *Store) PendingAttachments(ctx context.Context) ([]PaymentReceipt, error) {
	var out []PaymentReceipt
	err := s.do(ctx, func(db *sql.DB) error {
		var err error
		out, err = queryReceipts(ctx, db, `
			SELECT `+receiptColumns+` FROM payment_receipts
			WHERE attachment_synced = 0 AND attachment_path != ''
			ORDER BY created_at ASC, id ASC`)
		return err
	})
	return out, err
}

// MarkAttachmentSynced records that a receipt's attachment reached the
// server. The record's own synced flag and version are left untouched.
func (s *Store) MarkAttachmentSynced(ctx context.Context, id string) error {
	return s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE payment_receipts SET attachment_synced = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to mark attachment synced: %w", err)
		}
		return requireOne(res, "receipt", id)
	})
}

func queryReceipts(ctx context.Context, q querier, query string, args ...any) ([]PaymentReceipt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var out []PaymentReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receipts: %w", err)
	}
	return out, nil
}

func scanReceipt(r rowScanner) (*PaymentReceipt, error) {
	var p PaymentReceipt
	var createdAt, updatedAt string
	err := r.Scan(&p.ID, &p.CustomerID, &p.AccountID, &p.Amount, &p.Note, &p.AttachmentPath,
		&p.Synced, &p.AttachmentSynced, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan receipt: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
