// Package controlplane provides the HTTP API and service layer for deadhand.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/fentz26/deadhand/internal/audit"
	"github.com/fentz26/deadhand/internal/models"
	"github.com/fentz26/deadhand/internal/scheduler"
	"github.com/fentz26/deadhand/internal/store"
)

// Service provides the control plane business logic.
type Service struct {
	store *store.Store
	pdr   *audit.PDRWriter
	sched *scheduler.Scheduler
}

// NewService creates a new control plane service.
func NewService(s *store.Store, pdr *audit.PDRWriter, sched *scheduler.Scheduler) *Service {
	return &Service{
		store: s,
		pdr:   pdr,
		sched: sched,
	}
}

// --- Asset Operations ---

// ValidateAsset checks the user-editable fields of an asset.
func ValidateAsset(a *models.Asset) error {
	if strings.TrimSpace(a.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidAsset)
	}
	if strings.TrimSpace(a.PlatformName) == "" {
		return fmt.Errorf("%w: platform_name is required", ErrInvalidAsset)
	}
	if !a.Action.Valid() {
		return fmt.Errorf("%w: action must be Delete, Transfer or Archive", ErrInvalidAsset)
	}
	if a.Delay < 0 {
		return fmt.Errorf("%w: delay must not be negative", ErrInvalidAsset)
	}
	if a.Action == models.ActionTransfer {
		if a.Recipient == "" {
			return fmt.Errorf("%w: recipient is required for Transfer", ErrInvalidAsset)
		}
		if _, err := mail.ParseAddress(a.Recipient); err != nil {
			return fmt.Errorf("%w: recipient %q is not an email address", ErrInvalidAsset, a.Recipient)
		}
	} else if a.Recipient != "" {
		return fmt.Errorf("%w: recipient is only allowed for Transfer", ErrInvalidAsset)
	}
	return nil
}

// CreateAsset validates and stores a new asset.
func (s *Service) CreateAsset(ctx context.Context, in *models.Asset) (*models.Asset, error) {
	if err := ValidateAsset(in); err != nil {
		return nil, err
	}
	asset, err := s.store.CreateAsset(ctx, in)
	if err != nil {
		return nil, err
	}

	s.pdr.Record(audit.ActionAssetCreate, map[string]interface{}{
		"owner_id": asset.OwnerID,
		"platform": asset.PlatformName,
		"action":   asset.Action,
		"delay":    models.FormatDelay(asset.Delay),
	}, "success", asset.ID, "")
	return asset, nil
}

// GetAsset retrieves an asset by ID.
func (s *Service) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}

// ListAssets returns the assets of an owner.
func (s *Service) ListAssets(ctx context.Context, ownerID string) ([]models.Asset, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	return s.store.ListAssetsByOwner(ctx, ownerID)
}

// UpdateAsset replaces the editable fields of an asset. The owner cannot
// be changed.
func (s *Service) UpdateAsset(ctx context.Context, id string, in *models.Asset) (*models.Asset, error) {
	existing, err := s.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *in
	updated.ID = existing.ID
	updated.OwnerID = existing.OwnerID
	if err := ValidateAsset(&updated); err != nil {
		return nil, err
	}

	if err := s.store.UpdateAsset(ctx, &updated); err != nil {
		return nil, mapStoreError(err)
	}

	s.pdr.Record(audit.ActionAssetUpdate, map[string]interface{}{
		"asset_id": id,
		"action":   updated.Action,
		"delay":    models.FormatDelay(updated.Delay),
	}, "success", id, "")
	return s.GetAsset(ctx, id)
}

// DeleteAsset removes an asset that has no active release.
func (s *Service) DeleteAsset(ctx context.Context, id string) error {
	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return mapStoreError(err)
	}
	s.pdr.Record(audit.ActionAssetDelete, map[string]string{"asset_id": id}, "success", id, "")
	return nil
}

// ExecutionLog returns the execution attempts of an asset.
func (s *Service) ExecutionLog(ctx context.Context, assetID string) ([]models.ExecutionRecord, error) {
	if _, err := s.GetAsset(ctx, assetID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, assetID)
}

// Decisions returns the decision records about an asset or owner.
func (s *Service) Decisions(subjectID string) ([]models.PDREntry, error) {
	return s.store.ListPDR(subjectID)
}

// --- Owner Operations ---

// CheckIn records a liveness signal for owner. The time is taken from the
// daemon's clock.
func (s *Service) CheckIn(ctx context.Context, ownerID string) (*scheduler.Observation, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	obs, err := s.sched.CheckIn(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// OwnerStatus summarizes the liveness and release state of an owner.
type OwnerStatus struct {
	scheduler.Observation
	GraceWindow string                       `json:"grace_window"`
	Releases    map[models.ReleaseStatus]int `json:"releases"`
}

// Status evaluates owner now and summarizes the releases of the current
// or last episode.
func (s *Service) Status(ctx context.Context, ownerID string) (*OwnerStatus, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	obs, err := s.sched.Evaluate(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	status := &OwnerStatus{
		Observation: obs,
		GraceWindow: s.sched.GraceWindow().String(),
		Releases:    make(map[models.ReleaseStatus]int),
	}
	if obs.Episode > 0 {
		entries, err := s.store.ListReleasesByOwner(ctx, ownerID, obs.Episode)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			status.Releases[e.Status]++
		}
	}
	return status, nil
}

// Releases lists the entries of one episode of an owner. An episode of 0
// selects the current or last one; -1 selects all.
func (s *Service) Releases(ctx context.Context, ownerID string, episode int64) ([]models.ReleaseEntry, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if episode == 0 {
		sw, err := s.store.GetSwitch(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if sw.Episode == 0 {
			return nil, nil
		}
		episode = sw.Episode
	}
	return s.store.ListReleasesByOwner(ctx, ownerID, episode)
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.Ping(ctx)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrAssetLocked):
		return ErrAssetLocked
	case errors.Is(err, store.ErrNotFound):
		return ErrAssetNotFound
	}
	return err
}
