package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/google/uuid"
)

// --- Execution Log Operations ---

// AppendExecution appends one attempt to the execution log.
func (s *Store) AppendExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (id, asset_id, entry_id, attempted_at, outcome, error_detail) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AssetID, rec.EntryID, rec.AttemptedAt, rec.Outcome, nullString(rec.ErrorDetail),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// HasSucceeded reports whether the execution log holds a successful
// attempt for the asset.
func (s *Store) HasSucceeded(ctx context.Context, assetID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_log WHERE asset_id = ? AND outcome = ?`,
		assetID, models.OutcomeSucceeded,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query execution log: %w", err)
	}
	return n > 0, nil
}

// ListExecutions returns the execution log of an asset, oldest first.
func (s *Store) ListExecutions(ctx context.Context, assetID string) ([]models.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, entry_id, attempted_at, outcome, error_detail FROM execution_log
		 WHERE asset_id = ? ORDER BY attempted_at ASC, id ASC`,
		assetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.AssetID, &rec.EntryID, &rec.AttemptedAt, &rec.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.ErrorDetail = detail.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, subject_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.SubjectID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the decision records about one subject, oldest first.
func (s *Store) ListPDR(subjectID string) ([]models.PDREntry, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, subject_id, details, timestamp FROM pdr
		 WHERE subject_id = ? ORDER BY timestamp ASC, id ASC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var subject, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &subject, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.SubjectID = subject.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
