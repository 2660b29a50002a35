// Package domain contains core domain types for the relay bot.
package domain

import (
	"time"
)

// UpdateStatus is the lifecycle state of a webhook update.
type UpdateStatus string

const (
	UpdateProcessing UpdateStatus = "processing"
	UpdateCompleted  UpdateStatus = "completed"
	UpdateError      UpdateStatus = "error"
)

// UpdateRecord tracks the processing of a single platform update.
type UpdateRecord struct {
	UpdateID  string       `json:"update_id"`
	Status    UpdateStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
}

// Expired returns true if the record was last written more than ttl before now.
func (r *UpdateRecord) Expired(now time.Time, ttl time.Duration) bool {
	return r.Timestamp.Before(now.Add(-ttl))
}

// ClaimResult is the outcome of trying to take ownership of an update.
type ClaimResult int

const (
	// ClaimProceed means the caller owns the update and must finalize it.
	ClaimProceed ClaimResult = iota
	// ClaimAlreadyProcessing means another attempt is in flight.
	ClaimAlreadyProcessing
	// ClaimAlreadyDone means the update already reached a terminal state.
	ClaimAlreadyDone
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimProceed:
		return "proceed"
	case ClaimAlreadyProcessing:
		return "already_processing"
	case ClaimAlreadyDone:
		return "already_done"
	default:
		return "unknown"
	}
}
