package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AppendPing records a location sample. Pings are append-only.
func (s *Store) AppendPing(ctx context.Context, lat, lon float64, at time.Time) (int64, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrInvalid, lat, lon)
	}
	if at.IsZero() {
		at = s.clock()
	}

	var id int64
	err := s.do(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO activity_pings (latitude, longitude, recorded_at, synced) VALUES (?, ?, ?, 0)`,
			lat, lon, formatTime(at))
		if err != nil {
			return fmt.Errorf("failed to append ping: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UnsyncedPings returns pending pings oldest first. limit 0 returns all.
func (s *Store) UnsyncedPings(ctx context.Context, limit int) ([]ActivityPing, error) {
	query := `SELECT id, latitude, longitude, recorded_at, synced FROM activity_pings
		WHERE synced = 0 ORDER BY recorded_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryPings(ctx, query, args...)
}

// ListPings returns pings recorded at or after since, oldest first.
func (s *Store) ListPings(ctx context.Context, since time.Time) ([]ActivityPing, error) {
	return s.queryPings(ctx, `SELECT id, latitude, longitude, recorded_at, synced FROM activity_pings
		WHERE recorded_at >= ? ORDER BY recorded_at ASC, id ASC`, formatTime(since))
}

// MarkPingsSynced flips the given pings to synced in the tenant identified
// by key.
func (s *Store) MarkPingsSynced(ctx context.Context, key string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE activity_pings SET synced = 1 WHERE synced = 0 AND id IN (%s)`,
		strings.Join(placeholders, ","))

	var n int64
	err := s.tenantTx(ctx, key, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to mark pings synced: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) queryPings(ctx context.Context, query string, args ...any) ([]ActivityPing, error) {
	var out []ActivityPing
	err := s.do(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query pings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p ActivityPing
			var recordedAt string
			if err := rows.Scan(&p.ID, &p.Latitude, &p.Longitude, &recordedAt, &p.Synced); err != nil {
				return fmt.Errorf("failed to scan ping: %w", err)
			}
			p.RecordedAt = parseTime(recordedAt)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
