// Package liveness maps the last check-in of an owner to a liveness state.
package liveness

import (
	"time"

	"github.com/fentz26/deadhand/internal/models"
)

// Evaluate returns Unknown when no check-in was ever recorded, Alive while
// now - last is within the grace window (inclusive), and Triggered after.
//
// now must come from a clock.Clock owned by the caller, never from client
// input.
func Evaluate(last *time.Time, now time.Time, grace time.Duration) models.LivenessState {
	if last == nil {
		return models.LivenessUnknown
	}
	if now.Sub(*last) <= grace {
		return models.LivenessAlive
	}
	return models.LivenessTriggered
}
