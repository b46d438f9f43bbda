package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

// --- Check-in Operations ---

// GetLastCheckin returns the most recent check-in of an owner, or nil if
// the owner never checked in.
func (s *Store) GetLastCheckin(ctx context.Context, ownerID string) (*time.Time, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT last_checkin_ns FROM checkins WHERE owner_id = ?`, ownerID).Scan(&n)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkin: %w", err)
	}
	t := fromNanos(n)
	return &t, nil
}

// SetLastCheckin overwrites the check-in record of an owner. A check-in
// older than the stored one never replaces it, so the later wall-clock
// check-in wins when two race.
func (s *Store) SetLastCheckin(ctx context.Context, ownerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkins (owner_id, last_checkin_ns, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET
			last_checkin_ns = MAX(last_checkin_ns, excluded.last_checkin_ns),
			updated_at = excluded.updated_at`,
		ownerID, nanos(at), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert checkin: %w", err)
	}
	return nil
}

// ListCheckins returns every owner's check-in record.
func (s *Store) ListCheckins(ctx context.Context) ([]models.CheckinRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, last_checkin_ns FROM checkins ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("query checkins: %w", err)
	}
	defer rows.Close()

	var records []models.CheckinRecord
	for rows.Next() {
		var rec models.CheckinRecord
		var n int64
		if err := rows.Scan(&rec.OwnerID, &n); err != nil {
			return nil, fmt.Errorf("scan checkin: %w", err)
		}
		rec.LastCheckinAt = fromNanos(n)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListOwners returns the IDs of every owner that has checked in at least
// once.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	records, err := s.ListCheckins(ctx)
	if err != nil {
		return nil, err
	}
	owners := make([]string, len(records))
	for i, r := range records {
		owners[i] = r.OwnerID
	}
	return owners, nil
}
