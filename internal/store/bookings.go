package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const bookingColumns = `id, customer_id, booked_at, note, total_amount, synced, created_at, updated_at`

const lineColumns = `id, booking_id, item_id, quantity, unit_price, amount, synced, created_at, updated_at`

// CreateBooking stores a finalized order with its lines. Lines without a unit
// price take the catalog price. Header and lines are created pending.
func (s *Store) CreateBooking(ctx context.Context, nb NewBooking) (*OrderBooking, []OrderBookingLine, error) {
	if err := s.check(&nb); err != nil {
		return nil, nil, err
	}

	now := s.stamp()
	b := OrderBooking{
		ID:         uuid.NewString(),
		CustomerID: nb.CustomerID,
		BookedAt:   now,
		Note:       nb.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var lines []OrderBookingLine

	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := customerExists(ctx, tx, nb.CustomerID); err != nil {
			return err
		}

		total := decimal.Zero
		for _, nl := range nb.Lines {
			line, err := newLine(ctx, tx, b.ID, nl, now)
			if err != nil {
				return err
			}
			total = total.Add(line.Amount)
			lines = append(lines, *line)
		}
		b.TotalAmount = total

		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_bookings (`+bookingColumns+`)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			b.ID, b.CustomerID, formatTime(b.BookedAt), b.Note, b.TotalAmount.String(),
			formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}

		for _, l := range lines {
			if err := insertLine(ctx, tx, &l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &b, lines, nil
}

// AddBookingLine appends a line to a pending booking and recomputes its total.
func (s *Store) AddBookingLine(ctx context.Context, bookingID string, nl NewBookingLine) (*OrderBookingLine, error) {
	if err := s.check(&nl); err != nil {
		return nil, err
	}

	now := s.stamp()
	var line *OrderBookingLine
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := bookingEditable(ctx, tx, bookingID); err != nil {
			return err
		}
		var err error
		line, err = newLine(ctx, tx, bookingID, nl, now)
		if err != nil {
			return err
		}
		if err := insertLine(ctx, tx, line); err != nil {
			return err
		}
		return recomputeTotal(ctx, tx, bookingID, now)
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// UpdateLineQuantity changes a line's quantity on a pending booking and
// recomputes the line amount and booking total.
func (s *Store) UpdateLineQuantity(ctx context.Context, lineID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalid)
	}

	now := s.stamp()
	return s.tx(ctx, func(tx *sql.Tx) error {
		var bookingID, unitPrice string
		err := tx.QueryRowContext(ctx,
			`SELECT booking_id, unit_price FROM order_booking_lines WHERE id = ?`, lineID,
		).Scan(&bookingID, &unitPrice)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("booking line %s: %w", lineID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up booking line: %w", err)
		}
		if err := bookingEditable(ctx, tx, bookingID); err != nil {
			return err
		}

		price, err := decimal.NewFromString(unitPrice)
		if err != nil {
			return fmt.Errorf("failed to parse unit price of line %s: %w", lineID, err)
		}
		amount := price.Mul(decimal.NewFromInt(quantity))

		_, err = tx.ExecContext(ctx, `
			UPDATE order_booking_lines
			SET quantity = ?, amount = ?, synced = 0, updated_at = ?
			WHERE id = ?`,
			quantity, amount.String(), formatTime(now), lineID,
		)
		if err != nil {
			return fmt.Errorf("failed to update booking line: %w", err)
		}
		return recomputeTotal(ctx, tx, bookingID, now)
	})
}

// GetBooking returns a booking header or ErrNotFound.
func (s *Store) GetBooking(ctx context.Context, id string) (*OrderBooking, error) {
	var b *OrderBooking
	err := s.do(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM order_bookings WHERE id = ?`, id)
		got, err := scanBooking(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("booking %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		b = got
		return nil
	})
	return b, err
}

// ListBookings returns bookings for a customer, newest first. customerID 0
// returns every booking.
func (s *Store) ListBookings(ctx context.Context, customerID int64) ([]OrderBooking, error) {
	query := `SELECT ` + bookingColumns + ` FROM order_bookings`
	var args []any
	if customerID > 0 {
		query += " WHERE customer_id = ?"
		args = append(args, customerID)
	}
	query += " ORDER BY created_at DESC, id ASC"

	var out []OrderBooking
	err := s.do(ctx, func(db *sql.DB) error {
		var err error
		out, err = queryBookings(ctx, db, query, args...)
		return err
	})
	return out, err
}

// ListBookingLines returns the lines of a booking in creation order.
func (s *Store) ListBookingLines(ctx context.Context, bookingID string) ([]OrderBookingLine, error) {
	var out []OrderBookingLine
	err := s.do(ctx, func(db *sql.DB) error {
		var err error
		out, err = queryLines(ctx, db,
			`SELECT `+lineColumns+` FROM order_booking_lines WHERE booking_id = ? ORDER BY created_at ASC, id ASC`,
			bookingID)
		return err
	})
	return out, err
}

// newLine resolves the unit price and computes the amount of a line.
func newLine(ctx context.Context, q querier, bookingID string, nl NewBookingLine, now time.Time) (*OrderBookingLine, error) {
	var price decimal.Decimal
	if nl.UnitPrice != nil {
		price = *nl.UnitPrice
	} else {
		item, err := getCatalogItem(ctx, q, nl.ItemID)
		if err != nil {
			return nil, err
		}
		price = item.Price
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("%w: negative unit price for item %s", ErrInvalid, nl.ItemID)
	}

	return &OrderBookingLine{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		ItemID:    nl.ItemID,
		Quantity:  nl.Quantity,
		UnitPrice: price,
		Amount:    price.Mul(decimal.NewFromInt(nl.Quantity)),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func insertLine(ctx context.Context, q querier, l *OrderBookingLine) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_booking_lines (`+lineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		l.ID, l.BookingID, l.ItemID, l.Quantity, l.UnitPrice.String(), l.Amount.String(),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking line: %w", err)
	}
	return nil
}

// bookingEditable returns ErrNotFound or ErrBookingLocked unless the booking
// exists and is still pending.
func bookingEditable(ctx context.Context, q querier, bookingID string) error {
	var synced bool
	err := q.QueryRowContext(ctx, `SELECT synced FROM order_bookings WHERE id = ?`, bookingID).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up booking: %w", err)
	}
	if synced {
		return fmt.Errorf("booking %s: %w", bookingID, ErrBookingLocked)
	}
	return nil
}

// recomputeTotal sums the line amounts into the header and marks it pending.
func recomputeTotal(ctx context.Context, q querier, bookingID string, now time.Time) error {
	rows, err := q.QueryContext(ctx, `SELECT amount FROM order_booking_lines WHERE booking_id = ?`, bookingID)
	if err != nil {
		return fmt.Errorf("failed to read line amounts: %w", err)
	}
	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan line amount: %w", err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating line amounts: %w", err)
	}
	rows.Close()

	_, err = q.ExecContext(ctx, `
		UPDATE order_bookings SET total_amount = ?, synced = 0, updated_at = ? WHERE id = ?`,
		total.String(), formatTime(now), bookingID,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking total: %w", err)
	}
	return nil
}

func customerExists(ctx context.Context, q querier, entityID int64) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE entity_id = ?`, entityID).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up customer: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("customer %d: %w", entityID, ErrNotFound)
	}
	return nil
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]OrderBooking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []OrderBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookings: %w", err)
	}
	return out, nil
}

func scanBooking(r rowScanner) (*OrderBooking, error) {
	var b OrderBooking
	var bookedAt, createdAt, updatedAt string
	err := r.Scan(&b.ID, &b.CustomerID, &bookedAt, &b.Note, &b.TotalAmount, &b.Synced, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	b.BookedAt = parseTime(bookedAt)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func queryLines(ctx context.Context, q querier, query string, args ...any) ([]OrderBookingLine, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query booking lines: %w", err)
	}
	defer rows.Close()

	var out []OrderBookingLine
	for rows.Next() {
		var l OrderBookingLine
		var createdAt, updatedAt string
		err := rows.Scan(&l.ID, &l.BookingID, &l.ItemID, &l.Quantity, &l.UnitPrice, &l.Amount, &l.Synced, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking line: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating booking lines: %w", err)
	}
	return out, nil
}
