/**
 * @description
 * Wallet and ledger domain models. The ledger is append-only: entries are never
 * mutated once posted, and corrections happen through linked reversal entries.
 * A wallet's balance is always recomputable as the sum of its posted entries'
 * signed amounts; the stored balance is a cache of that fold, never the sole truth.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types.
const (
	EntryTypeEarning          = "earning"
	EntryTypeAdjustmentCredit = "adjustment_credit"
	EntryTypeAdjustmentDebit  = "adjustment_debit"
	EntryTypePayoutHold       = "payout_hold"
	EntryTypePayoutPaid       = "payout_paid"
	EntryTypeReversal         = "reversal"
	EntryTypeCorrection       = "correction"
)

// Ledger entry statuses. Only posted entries count toward the balance.
const (
	EntryStatusPending  = "pending"
	EntryStatusPosted   = "posted"
	EntryStatusReversed = "reversed"
	EntryStatusFailed   = "failed"
)

// WalletAccount is a collector's earnings wallet.
type WalletAccount struct {
	ID              uuid.UUID `json:"id" db:"id"`
	CollectorID     uuid.UUID `json:"collector_id" db:"collector_id"`
	Currency        string    `json:"currency" db:"currency"`
	Balance         int64     `json:"balance" db:"balance"` // cached fold over posted entries
	LifetimeEarned  int64     `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimePaidOut int64     `json:"lifetime_paid_out" db:"lifetime_paid_out"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable financial record affecting a wallet balance.
type LedgerEntry struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	WalletID        uuid.UUID  `json:"wallet_id" db:"wallet_id"`
	Amount          int64      `json:"amount" db:"amount"` // signed, minor units
	Type            string     `json:"type" db:"type"`
	Status          string     `json:"status" db:"status"`
	TaskID          *uuid.UUID `json:"task_id,omitempty" db:"task_id"`
	ReversesEntryID *uuid.UUID `json:"reverses_entry_id,omitempty" db:"reverses_entry_id"`
	Memo            *string    `json:"memo,omitempty" db:"memo"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	PostedAt        *time.Time `json:"posted_at,omitempty" db:"posted_at"`
}

// WalletSummary aggregates the figures the wallet screens display.
type WalletSummary struct {
	CollectorID     uuid.UUID `json:"collector_id"`
	Currency        string    `json:"currency"`
	Balance         int64     `json:"balance"`
	PendingEarnings int64     `json:"pending_earnings"`
	LifetimeEarned  int64     `json:"lifetime_earned"`
	LifetimePaidOut int64     `json:"lifetime_paid_out"`
}

// Payout request statuses.
const (
	PayoutStatusRequested = "requested"
	PayoutStatusApproved  = "approved"
	PayoutStatusDeclined  = "declined"
	PayoutStatusPaid      = "paid"
	PayoutStatusCancelled = "cancelled"
)

// PayoutRequest tracks a collector's withdrawal from their wallet. The requested
// amount is held via a posted payout_hold debit until the request resolves.
type PayoutRequest struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	WalletID    uuid.UUID  `json:"wallet_id" db:"wallet_id"`
	Amount      int64      `json:"amount" db:"amount"`
	Method      string     `json:"method" db:"method"` // bank | mobile_money | manual
	Status      string     `json:"status" db:"status"`
	HoldEntryID *uuid.UUID `json:"hold_entry_id,omitempty" db:"hold_entry_id"`
	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}
