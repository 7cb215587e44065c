/**
 * @description
 * This file defines the core domain models for the dispatch-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout the
 * service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (piastres for SDG),
 *   which avoids floating-point inaccuracies with financial data.
 * - Task status transitions are owned exclusively by the assignment lifecycle in
 *   internal/app; nothing else writes task status.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task statuses. Terminal states are completed and cancelled.
const (
	TaskStatusPending    = "pending"
	TaskStatusOffered    = "offered"
	TaskStatusClaimed    = "claimed"
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// Task represents a site-visit assignment unit requiring fieldwork.
// Maps directly to the `tasks` table.
type Task struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	SiteName     string     `json:"site_name" db:"site_name"`
	SiteCode     *string    `json:"site_code,omitempty" db:"site_code"`
	Latitude     *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude    *float64   `json:"longitude,omitempty" db:"longitude"`
	StateID      string     `json:"state_id" db:"state_id"`
	LocalityID   string     `json:"locality_id" db:"locality_id"`
	DueDate      *time.Time `json:"due_date,omitempty" db:"due_date"`
	Status       string     `json:"status" db:"status"`
	AssigneeID   *uuid.UUID `json:"assignee_id,omitempty" db:"assignee_id"`
	ClaimToken   *uuid.UUID `json:"-" db:"claim_token"`
	CostEstimate int64      `json:"cost_estimate" db:"cost_estimate"` // in minor units
	BudgetID     *uuid.UUID `json:"budget_id,omitempty" db:"budget_id"`
	OfferRound   int        `json:"offer_round" db:"offer_round"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the task can no longer transition.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusCancelled
}

// HasCoordinates reports whether the task carries a usable site position.
func (t *Task) HasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// Claim attempt outcomes. Attempts are write-once audit records; every claim call
// appends exactly one, regardless of outcome.
const (
	ClaimOutcomeWon             = "won"
	ClaimOutcomeAlreadyClaimed  = "already_claimed"
	ClaimOutcomeClaimInProgress = "claim_in_progress"
	ClaimOutcomeInvalidStatus   = "invalid_status"
)

// ClaimAttempt records a single collector's attempt to claim a task.
type ClaimAttempt struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TaskID      uuid.UUID `json:"task_id" db:"task_id"`
	CollectorID uuid.UUID `json:"collector_id" db:"collector_id"`
	Outcome     string    `json:"outcome" db:"outcome"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}

// ClaimResult is returned to API callers after a claim attempt resolves.
type ClaimResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"` // ALREADY_CLAIMED | CLAIM_IN_PROGRESS | INVALID_STATUS
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// CompletionReport is the DTO for a reported fieldwork completion.
type CompletionReport struct {
	TaskID      uuid.UUID  `json:"task_id"`
	CollectorID uuid.UUID  `json:"collector_id"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}
