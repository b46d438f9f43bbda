package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

// --- Switch Operations ---

// GetSwitch returns the scheduler state of an owner. Owners without a row
// are Idle at episode 0.
func (s *Store) GetSwitch(ctx context.Context, ownerID string) (*models.OwnerSwitch, error) {
	sw := &models.OwnerSwitch{OwnerID: ownerID}
	var triggered, disarmed sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT state, episode, triggered_ns, disarmed_ns, updated_at FROM switches WHERE owner_id = ?`,
		ownerID,
	).Scan(&sw.State, &sw.Episode, &triggered, &disarmed, &sw.UpdatedAt)

	if err == sql.ErrNoRows {
		sw.State = models.SwitchIdle
		return sw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query switch: %w", err)
	}
	sw.TriggeredAt = nullNanos(triggered)
	sw.DisarmedAt = nullNanos(disarmed)
	return sw, nil
}

// ArmSwitch moves an Idle owner to Armed and opens a new trigger episode.
// It reports false, with the current episode, when the owner was not Idle,
// which makes repeated arming for the same episode a no-op.
func (s *Store) ArmSwitch(ctx context.Context, ownerID string, at time.Time) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO switches (owner_id, state, episode, updated_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT(owner_id) DO NOTHING`,
		ownerID, models.SwitchIdle, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("ensure switch: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE switches SET state = ?, episode = episode + 1, triggered_ns = ?, disarmed_ns = NULL, updated_at = ?
		 WHERE owner_id = ? AND state = ?`,
		models.SwitchArmed, nanos(at), now, ownerID, models.SwitchIdle,
	)
	if err != nil {
		return 0, false, fmt.Errorf("arm switch: %w", err)
	}
	armed, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("check rows affected: %w", err)
	}

	var episode int64
	if err := tx.QueryRowContext(ctx, `SELECT episode FROM switches WHERE owner_id = ?`, ownerID).Scan(&episode); err != nil {
		return 0, false, fmt.Errorf("query episode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit transaction: %w", err)
	}
	return episode, armed == 1, nil
}

// DisarmSwitch moves an Armed owner to Disarmed and cancels every release
// entry of the owner that is still Armed. Entries already Executing or
// terminal are left alone. The cancelled entries are returned; the bool
// is false when the owner was not Armed.
func (s *Store) DisarmSwitch(ctx context.Context, ownerID string, at time.Time) ([]models.ReleaseEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE switches SET state = ?, disarmed_ns = ?, updated_at = ? WHERE owner_id = ? AND state = ?`,
		models.SwitchDisarmed, nanos(at), now, ownerID, models.SwitchArmed,
	)
	if err != nil {
		return nil, false, fmt.Errorf("disarm switch: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM release_entries WHERE owner_id = ? AND status = ? ORDER BY release_ns, asset_id`,
		ownerID, models.ReleaseArmed,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query armed releases: %w", err)
	}
	cancelled, err := scanReleases(rows)
	if err != nil {
		return nil, false, err
	}

	for i := range cancelled {
		e := &cancelled[i]
		if _, err := tx.ExecContext(ctx,
			`UPDATE release_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.ReleaseCancelled, now, e.ID, models.ReleaseArmed,
		); err != nil {
			return nil, false, fmt.Errorf("cancel release: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assets SET locked = 0, updated_at = ? WHERE id = ?`, now, e.AssetID,
		); err != nil {
			return nil, false, fmt.Errorf("unlock asset: %w", err)
		}
		e.Status = models.ReleaseCancelled
		e.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}
	return cancelled, true, nil
}

// ResetSwitch completes a disarm by moving a Disarmed owner back to Idle.
func (s *Store) ResetSwitch(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE switches SET state = ?, updated_at = ? WHERE owner_id = ? AND state = ?`,
		models.SwitchIdle, time.Now().UTC(), ownerID, models.SwitchDisarmed,
	)
	if err != nil {
		return fmt.Errorf("reset switch: %w", err)
	}
	return nil
}
