package tui

import (
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

// OwnerStatus mirrors the body of GET /owners/{id}/status.
type OwnerStatus struct {
	OwnerID     string                       `json:"owner_id"`
	ObservedAt  time.Time                    `json:"observed_at"`
	Liveness    models.LivenessState         `json:"liveness"`
	LastCheckin *time.Time                   `json:"last_checkin,omitempty"`
	Switch      models.SwitchState           `json:"switch"`
	Episode     int64                        `json:"episode"`
	TriggeredAt *time.Time                   `json:"triggered_at,omitempty"`
	Cancelled   int                          `json:"cancelled"`
	GraceWindow string                       `json:"grace_window"`
	Releases    map[models.ReleaseStatus]int `json:"releases"`
}

// Deadline returns when the owner becomes Triggered if they do not check
// in again. It reports false when no check-in has been recorded.
func (s *OwnerStatus) Deadline() (time.Time, bool) {
	if s == nil || s.LastCheckin == nil {
		return time.Time{}, false
	}
	grace, err := time.ParseDuration(s.GraceWindow)
	if err != nil {
		return time.Time{}, false
	}
	return s.LastCheckin.Add(grace), true
}
