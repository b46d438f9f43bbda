package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/google/uuid"
)

const releaseColumns = `id, asset_id, owner_id, episode, release_ns, status, attempts, claim_token, last_error, created_at, updated_at`

// episodeArmed holds while the owner of a release entry is still Armed in
// the entry's episode.
const episodeArmed = `EXISTS (SELECT 1 FROM switches sw
	WHERE sw.owner_id = release_entries.owner_id AND sw.state = 'armed' AND sw.episode = release_entries.episode)`

func scanRelease(row rowScanner) (*models.ReleaseEntry, error) {
	var e models.ReleaseEntry
	var releaseNs int64
	var token, lastErr sql.NullString

	err := row.Scan(&e.ID, &e.AssetID, &e.OwnerID, &e.Episode, &releaseNs, &e.Status, &e.Attempts,
		&token, &lastErr, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ReleaseTime = fromNanos(releaseNs)
	e.ClaimToken = token.String
	e.LastError = lastErr.String
	return &e, nil
}

func scanReleases(rows *sql.Rows) ([]models.ReleaseEntry, error) {
	defer rows.Close()

	var entries []models.ReleaseEntry
	for rows.Next() {
		e, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Release Operations ---

// InsertReleaseIfAbsent stores a new Armed entry and locks its asset in
// the same transaction. It reports false without error when the asset no
// longer exists, already has an entry for the episode, or has an entry
// that is still Armed or Executing.
func (s *Store) InsertReleaseIfAbsent(ctx context.Context, e *models.ReleaseEntry) (bool, error) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Status = models.ReleaseArmed
	e.CreatedAt = now
	e.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO release_entries (id, asset_id, owner_id, episode, release_ns, status, attempts, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, 0, ?, ?
		 WHERE EXISTS (SELECT 1 FROM assets WHERE id = ?)
		 ON CONFLICT DO NOTHING`,
		e.ID, e.AssetID, e.OwnerID, e.Episode, nanos(e.ReleaseTime), e.Status, e.CreatedAt, e.UpdatedAt, e.AssetID,
	)
	if err != nil {
		return false, fmt.Errorf("insert release: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := markLocked(ctx, tx, e.AssetID, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// GetRelease retrieves a release entry by ID. Returns nil, nil when absent.
func (s *Store) GetRelease(ctx context.Context, id string) (*models.ReleaseEntry, error) {
	e, err := scanRelease(s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM release_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query release: %w", err)
	}
	return e, nil
}

// ClaimRelease atomically moves an entry from expected to Executing and
// stamps it with token. It reports false when another holder got there
// first or the entry is no longer in the expected status.
func (s *Store) ClaimRelease(ctx context.Context, id string, expected models.ReleaseStatus, token string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE release_entries SET status = ?, claim_token = ?, claimed_ns = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.ReleaseExecuting, token, nanos(now), now, id, expected,
	)
	if err != nil {
		return false, fmt.Errorf("claim release: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// TransitionRelease moves a claimed (Executing) entry to a terminal status.
// Only the holder of token may do so.
func (s *Store) TransitionRelease(ctx context.Context, id, token string, to models.ReleaseStatus, lastErr string) error {
	if !to.Terminal() {
		return fmt.Errorf("transition to %s: %w", to, ErrNotClaimable)
	}
	return s.finishClaim(ctx,
		`UPDATE release_entries SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND status = ?`,
		to, nullString(lastErr), time.Now().UTC(), id, token, models.ReleaseExecuting,
	)
}

// RequeueRelease ends a claim after a failure that may succeed later.
// While the owner is still Armed in the entry's episode, the entry goes
// back to Armed with its release time unchanged, and countAttempt charges
// the failure to its retry budget. Otherwise the episode was disarmed:
// the entry is Cancelled and its asset unlocked. The new status is
// returned.
func (s *Store) RequeueRelease(ctx context.Context, id, token, lastErr string, countAttempt bool) (models.ReleaseStatus, error) {
	inc := 0
	if countAttempt {
		inc = 1
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE release_entries SET status = ?, attempts = attempts + ?, claim_token = NULL, claimed_ns = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND status = ? AND `+episodeArmed,
		models.ReleaseArmed, inc, nullString(lastErr), now, id, token, models.ReleaseExecuting,
	)
	if err != nil {
		return "", fmt.Errorf("requeue release: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("check rows affected: %w", err)
	}

	to := models.ReleaseArmed
	if n == 0 {
		result, err = tx.ExecContext(ctx,
			`UPDATE release_entries SET status = ?, claim_token = NULL, claimed_ns = NULL, last_error = ?, updated_at = ?
			 WHERE id = ? AND claim_token = ? AND status = ?`,
			models.ReleaseCancelled, nullString(lastErr), now, id, token, models.ReleaseExecuting,
		)
		if err != nil {
			return "", fmt.Errorf("cancel release: %w", err)
		}
		if n, err = result.RowsAffected(); err != nil {
			return "", fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return "", ErrNotClaimable
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE assets SET locked = 0, updated_at = ? WHERE id = (SELECT asset_id FROM release_entries WHERE id = ?)`,
			now, id,
		); err != nil {
			return "", fmt.Errorf("unlock asset: %w", err)
		}
		to = models.ReleaseCancelled
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return to, nil
}

func (s *Store) finishClaim(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update release: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotClaimable
	}
	return nil
}

// RecoverStaleClaims ends claims stuck in Executing since before cutoff,
// counting the interrupted attempt. Entries whose episode is still armed
// return to Armed; the others are Cancelled and their assets unlocked.
// Used after a crash. It reports how many entries were recovered.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	requeued, err := tx.ExecContext(ctx,
		`UPDATE release_entries SET status = ?, attempts = attempts + 1, claim_token = NULL, claimed_ns = NULL,
			last_error = 'claim abandoned', updated_at = ?
		 WHERE status = ? AND claimed_ns < ? AND `+episodeArmed,
		models.ReleaseArmed, now, models.ReleaseExecuting, nanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assets SET locked = 0, updated_at = ?
		 WHERE id IN (SELECT asset_id FROM release_entries WHERE status = ? AND claimed_ns < ?)`,
		now, models.ReleaseExecuting, nanos(cutoff),
	); err != nil {
		return 0, fmt.Errorf("unlock assets: %w", err)
	}

	cancelled, err := tx.ExecContext(ctx,
		`UPDATE release_entries SET status = ?, attempts = attempts + 1, claim_token = NULL, claimed_ns = NULL,
			last_error = 'claim abandoned after disarm', updated_at = ?
		 WHERE status = ? AND claimed_ns < ?`,
		models.ReleaseCancelled, now, models.ReleaseExecuting, nanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel stale claims: %w", err)
	}

	n1, err := requeued.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	n2, err := cancelled.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return n1 + n2, nil
}

// ListDueReleases returns Armed entries whose release time is at or
// before now, ordered by release time then asset ID.
func (s *Store) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.ReleaseEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM release_entries
		 WHERE status = ? AND release_ns <= ?
		 ORDER BY release_ns ASC, asset_id ASC
		 LIMIT ?`,
		models.ReleaseArmed, nanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due releases: %w", err)
	}
	return scanReleases(rows)
}

// ListReleasesByOwner returns the entries of an owner, optionally limited
// to one episode (episode <= 0 means all).
func (s *Store) ListReleasesByOwner(ctx context.Context, ownerID string, episode int64) ([]models.ReleaseEntry, error) {
	query := `SELECT ` + releaseColumns + ` FROM release_entries WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if episode > 0 {
		query += ` AND episode = ?`
		args = append(args, episode)
	}
	query += ` ORDER BY episode ASC, release_ns ASC, asset_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	return scanReleases(rows)
}

// ListReleasesByAsset returns every entry ever created for an asset.
func (s *Store) ListReleasesByAsset(ctx context.Context, assetID string) ([]models.ReleaseEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseColumns+` FROM release_entries WHERE asset_id = ? ORDER BY episode ASC`,
		assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query releases: %w", err)
	}
	return scanReleases(rows)
}

// HasActiveRelease reports whether the asset has an Armed or Executing entry.
func (s *Store) HasActiveRelease(ctx context.Context, assetID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM release_entries WHERE asset_id = ? AND status IN (?, ?)`,
		assetID, models.ReleaseArmed, models.ReleaseExecuting,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active releases: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
