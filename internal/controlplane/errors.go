package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAssetNotFound = errors.New("asset not found")
	ErrAssetLocked   = errors.New("asset locked by an active release")
	ErrInvalidAsset  = errors.New("invalid asset")
	ErrOwnerRequired = errors.New("owner id required")
)
