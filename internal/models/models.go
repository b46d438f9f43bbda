// Package models defines the core domain types for deadhand.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the disposition applied to an asset once its release is due.
type Action string

const (
	ActionDelete   Action = "Delete"
	ActionTransfer Action = "Transfer"
	ActionArchive  Action = "Archive"
)

// Valid reports whether a is one of the supported actions.
func (a Action) Valid() bool {
	switch a {
	case ActionDelete, ActionTransfer, ActionArchive:
		return true
	}
	return false
}

// Asset is a digital asset bound to a disposition action and a delay.
type Asset struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	PlatformName string        `json:"platform_name"`
	Action       Action        `json:"action"`
	Recipient    string        `json:"recipient,omitempty"` // required iff Action == Transfer
	Delay        time.Duration `json:"delay"`
	PayloadRef   string        `json:"payload_ref,omitempty"`
	File         *FileMeta     `json:"file,omitempty"`
	Locked       bool          `json:"locked"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// FileMeta describes an uploaded attachment referenced by an asset.
type FileMeta struct {
	Name        string `json:"file_name"`
	Size        int64  `json:"file_size"`
	Type        string `json:"file_type,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// CheckinRecord holds the most recent liveness signal of an owner.
type CheckinRecord struct {
	OwnerID       string    `json:"owner_id"`
	LastCheckinAt time.Time `json:"last_checkin_at"`
}

// LivenessState is derived from the last check-in and never stored.
type LivenessState string

const (
	LivenessUnknown   LivenessState = "unknown"
	LivenessAlive     LivenessState = "alive"
	LivenessTriggered LivenessState = "triggered"
)

// SwitchState is the trigger scheduler state of one owner.
type SwitchState string

const (
	SwitchIdle     SwitchState = "idle"
	SwitchArmed    SwitchState = "armed"
	SwitchDisarmed SwitchState = "disarmed"
)

// OwnerSwitch is the persisted scheduler state of one owner.
type OwnerSwitch struct {
	OwnerID     string      `json:"owner_id"`
	State       SwitchState `json:"state"`
	Episode     int64       `json:"episode"`
	TriggeredAt *time.Time  `json:"triggered_at,omitempty"`
	DisarmedAt  *time.Time  `json:"disarmed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ReleaseStatus is the lifecycle state of a release entry.
type ReleaseStatus string

const (
	ReleaseArmed     ReleaseStatus = "armed"
	ReleaseCancelled ReleaseStatus = "cancelled"
	ReleaseExecuting ReleaseStatus = "executing"
	ReleaseSucceeded ReleaseStatus = "succeeded"
	ReleaseFailed    ReleaseStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ReleaseStatus) Terminal() bool {
	return s == ReleaseCancelled || s == ReleaseSucceeded || s == ReleaseFailed
}

// ReleaseEntry binds one asset to one trigger episode.
type ReleaseEntry struct {
	ID          string        `json:"id"`
	AssetID     string        `json:"asset_id"`
	OwnerID     string        `json:"owner_id"`
	Episode     int64         `json:"episode"`
	ReleaseTime time.Time     `json:"release_time"`
	Status      ReleaseStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	ClaimToken  string        `json:"claim_token,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ExecutionOutcome classifies one executor attempt.
type ExecutionOutcome string

const (
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeRetryable ExecutionOutcome = "retryable_error"
	OutcomeTerminal  ExecutionOutcome = "terminal_error"
	OutcomeExhausted ExecutionOutcome = "retries_exhausted"
)

// ExecutionRecord is one append-only execution log row.
type ExecutionRecord struct {
	ID          string           `json:"id"`
	AssetID     string           `json:"asset_id"`
	EntryID     string           `json:"entry_id"`
	AttemptedAt time.Time        `json:"attempted_at"`
	Outcome     ExecutionOutcome `json:"outcome"`
	ErrorDetail string           `json:"error_detail,omitempty"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	SubjectID  string    `json:"subject_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ParseDelay accepts a Go duration ("90m", "24h") or interval text in
// the form HHH:MM:SS ("01:00:00", "4320:00:00").
func ParseDelay(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	var h, m, sec int
	if n, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err == nil && n == 3 {
		if h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay must not be negative: %q", s)
	}
	return d, nil
}

// FormatDelay renders d as HHH:MM:SS.
func FormatDelay(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// MarshalJSON encodes the delay as interval text so API clients see
// the same format they submit.
func (a Asset) MarshalJSON() ([]byte, error) {
	type alias Asset
	return json.Marshal(struct {
		alias
		Delay string `json:"delay"`
	}{alias: alias(a), Delay: FormatDelay(a.Delay)})
}

// UnmarshalJSON accepts the delay as interval text or a Go duration.
func (a *Asset) UnmarshalJSON(data []byte) error {
	type alias Asset
	aux := struct {
		*alias
		Delay string `json:"delay"`
	}{alias: (*alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d, err := ParseDelay(aux.Delay)
	if err != nil {
		return err
	}
	a.Delay = d
	return nil
}
