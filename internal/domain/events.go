/**
 * @description
 * Event payloads published to and consumed from RabbitMQ. Downstream consumers
 * (notification banners, dashboards, chat) receive these as read-only facts;
 * they never feed decisions back into the engine.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the dispatch events exchange.
const (
	EventTaskOfferCreated  = "task.offer.created"
	EventTaskOfferDeclined = "task.offer.declined"
	EventTaskOfferTimedOut = "task.offer.timed_out"
	EventTaskOfferExhaust  = "task.offer.exhausted"
	EventTaskClaimed       = "task.claimed"
	EventTaskAssigned      = "task.assigned"
	EventTaskCompleted     = "task.completed"
	EventTaskCancelled     = "task.cancelled"
	EventBudgetBlocked     = "task.budget_blocked"
	EventWalletPosted      = "wallet.entry.posted"
	EventBudgetTopUp       = "budget.topup.recorded"
	EventBudgetWarning     = "budget.threshold.warning"
)

// Routing keys consumed from the fieldwork events exchange.
const (
	FieldworkVisitStarted   = "fieldwork.visit.started"
	FieldworkVisitCompleted = "fieldwork.visit.completed"
	FieldworkVisitCancelled = "fieldwork.visit.cancelled"
)

// TaskEvent is published on every lifecycle transition.
type TaskEvent struct {
	TaskID      uuid.UUID  `json:"task_id"`
	Status      string     `json:"status"`
	CollectorID *uuid.UUID `json:"collector_id,omitempty"`
	OfferID     *uuid.UUID `json:"offer_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// WalletEvent is published when a ledger entry posts.
type WalletEvent struct {
	WalletID  uuid.UUID  `json:"wallet_id"`
	EntryID   uuid.UUID  `json:"entry_id"`
	Type      string     `json:"type"`
	Amount    int64      `json:"amount"`
	Balance   int64      `json:"balance"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// BudgetEvent is published on top-ups, warning-threshold crossings, and blocks.
type BudgetEvent struct {
	BudgetID    uuid.UUID `json:"budget_id"`
	Status      string    `json:"status"`
	Allocated   int64     `json:"allocated"`
	Spent       int64     `json:"spent"`
	Committed   int64     `json:"committed"`
	Utilization float64   `json:"utilization"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FieldworkEvent is the inbound payload reported by the field app backend.
type FieldworkEvent struct {
	TaskID      uuid.UUID  `json:"task_id"`
	CollectorID uuid.UUID  `json:"collector_id"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}
