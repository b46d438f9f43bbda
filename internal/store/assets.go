package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/google/uuid"
)

// activeRelease holds while an asset has an Armed or Executing entry.
const activeRelease = `EXISTS (SELECT 1 FROM release_entries r
	WHERE r.asset_id = assets.id AND r.status IN ('armed', 'executing'))`

const assetColumns = `id, owner_id, platform_name, action, recipient, delay_ns, payload_ref,
	file_name, file_size, file_type, storage_path, locked, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var a models.Asset
	var recipient, payloadRef, fileName, fileType, storagePath sql.NullString
	var fileSize sql.NullInt64
	var delayNs int64
	var locked int

	err := row.Scan(&a.ID, &a.OwnerID, &a.PlatformName, &a.Action, &recipient, &delayNs, &payloadRef,
		&fileName, &fileSize, &fileType, &storagePath, &locked, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Recipient = recipient.String
	a.PayloadRef = payloadRef.String
	a.Delay = time.Duration(delayNs)
	a.Locked = locked != 0
	if fileName.Valid && fileName.String != "" {
		a.File = &models.FileMeta{
			Name:        fileName.String,
			Size:        fileSize.Int64,
			Type:        fileType.String,
			StoragePath: storagePath.String,
		}
	}
	return &a, nil
}

func fileColumns(f *models.FileMeta) (name, typ, path sql.NullString, size sql.NullInt64) {
	if f == nil {
		return
	}
	name = sql.NullString{String: f.Name, Valid: true}
	typ = sql.NullString{String: f.Type, Valid: f.Type != ""}
	path = sql.NullString{String: f.StoragePath, Valid: f.StoragePath != ""}
	size = sql.NullInt64{Int64: f.Size, Valid: true}
	return
}

// CreateAsset inserts a new asset. ID and timestamps are assigned here.
func (s *Store) CreateAsset(ctx context.Context, in *models.Asset) (*models.Asset, error) {
	now := time.Now().UTC()
	asset := *in
	asset.ID = uuid.New().String()
	asset.Locked = false
	asset.CreatedAt = now
	asset.UpdatedAt = now

	name, typ, path, size := fileColumns(asset.File)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		asset.ID, asset.OwnerID, asset.PlatformName, asset.Action, asset.Recipient, int64(asset.Delay), asset.PayloadRef,
		name, size, typ, path, asset.CreatedAt, asset.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	return &asset, nil
}

// GetAsset retrieves an asset by ID. Returns nil, nil when absent.
func (s *Store) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query asset: %w", err)
	}
	return asset, nil
}

// ListAssetsByOwner returns all assets of an owner, oldest first.
func (s *Store) ListAssetsByOwner(ctx context.Context, ownerID string) ([]models.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE owner_id = ? ORDER BY created_at ASC, id ASC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// UpdateAsset overwrites the editable fields of an unlocked asset.
// Returns ErrAssetLocked while the asset is locked or a release entry for
// it is non-terminal.
func (s *Store) UpdateAsset(ctx context.Context, a *models.Asset) error {
	name, typ, path, size := fileColumns(a.File)
	result, err := s.db.ExecContext(ctx,
		`UPDATE assets SET platform_name = ?, action = ?, recipient = ?, delay_ns = ?, payload_ref = ?,
			file_name = ?, file_size = ?, file_type = ?, storage_path = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND locked = 0 AND NOT `+activeRelease,
		a.PlatformName, a.Action, a.Recipient, int64(a.Delay), a.PayloadRef,
		name, size, typ, path, time.Now().UTC(), a.ID, a.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	return s.explainNoRows(ctx, result, a.ID)
}

// DeleteAsset removes an asset that is unlocked and has no non-terminal
// release entry.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ? AND locked = 0 AND NOT `+activeRelease, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return s.explainNoRows(ctx, result, id)
}

// explainNoRows turns a zero-row conditional write into ErrNotFound or
// ErrAssetLocked.
func (s *Store) explainNoRows(ctx context.Context, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var locked, active bool
	err = s.db.QueryRowContext(ctx,
		`SELECT locked != 0, `+activeRelease+` FROM assets WHERE id = ?`, id,
	).Scan(&locked, &active)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query asset lock: %w", err)
	}
	if locked || active {
		return ErrAssetLocked
	}
	return ErrNotFound
}

// markLocked freezes an asset while it has a non-terminal release entry.
func markLocked(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `UPDATE assets SET locked = 1, updated_at = ? WHERE id = ?`, at, id); err != nil {
		return fmt.Errorf("lock asset: %w", err)
	}
	return nil
}

// Unlock releases the edit lock of an asset.
func (s *Store) Unlock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE assets SET locked = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("unlock asset: %w", err)
	}
	return nil
}
