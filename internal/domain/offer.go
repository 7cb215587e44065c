package domain

import (
	"time"

	"github.com/google/uuid"
)

// Offer outcomes. An open offer has a NULL outcome; at most one open offer may
// exist per task (enforced by a partial unique index in the store).
const (
	OfferOutcomeAccepted = "accepted"
	OfferOutcomeDeclined = "declined"
	OfferOutcomeTimedOut = "timed_out"
)

// Offer is a time-bounded invitation for one collector to claim a task.
type Offer struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TaskID      uuid.UUID  `json:"task_id" db:"task_id"`
	CollectorID uuid.UUID  `json:"collector_id" db:"collector_id"`
	Round       int        `json:"round" db:"round"`
	IssuedAt    time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	Outcome     *string    `json:"outcome,omitempty" db:"outcome"`
	RespondedAt *time.Time `json:"responded_at,omitempty" db:"responded_at"`
}

// Open reports whether the offer is still awaiting a response.
func (o *Offer) Open() bool {
	return o.Outcome == nil
}
