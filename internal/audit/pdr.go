// Package audit provides PDR (Process Decision Record) writing for deadhand.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/deadhand/internal/models"
)

// Actions recorded by the scheduler, the pipeline and the control plane.
const (
	ActionArm     = "switch.arm"
	ActionDisarm  = "switch.disarm"
	ActionCheckin = "owner.checkin"
	ActionExecute = "release.execute"
	ActionSkip    = "release.skip"
	ActionFail    = "release.fail"
	ActionCancel  = "release.cancel"

	ActionAssetCreate = "asset.create"
	ActionAssetUpdate = "asset.update"
	ActionAssetDelete = "asset.delete"
)

// Sink persists decision records. *store.Store implements it.
type Sink interface {
	WritePDR(action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating action. A nil writer
// records nothing.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, subjectID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.WritePDR(action, HashInputs(inputs), outcome, subjectID, details)
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
