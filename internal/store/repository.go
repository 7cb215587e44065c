/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the dispatch-service. By defining an interface,
 * we decouple the engine's business logic from the PostgreSQL implementation, making
 * the lifecycle, ledger, and budget logic testable against stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
)

// Sentinel errors returned by repository implementations. The app layer maps
// these to structured API outcomes; they are never surfaced raw.
var (
	ErrNotFound = errors.New("record not found")

	// Claim resolution outcomes. ClaimTask returns exactly one of these on a
	// losing attempt; the winning attempt returns the updated task.
	ErrTaskAlreadyClaimed = errors.New("task already claimed by another collector")
	ErrClaimInProgress    = errors.New("a concurrent claim is in progress")
	ErrTaskNotClaimable   = errors.New("task is not in a claimable state")

	ErrOfferAlreadyActive = errors.New("task already has an open offer")
	ErrInvalidTransition  = errors.New("invalid task status transition")

	ErrBudgetExceeded      = errors.New("reservation would exceed budget allocation")
	ErrInsufficientBalance = errors.New("wallet balance is insufficient")
	ErrEntryNotPending     = errors.New("ledger entry is not pending")
	ErrEntryNotPosted      = errors.New("ledger entry is not posted")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Task methods. TransitionTaskStatus is a CAS: it succeeds only when the
	// current status is one of `from`, and reports whether a row changed.
	CreateTask(ctx context.Context, task *domain.Task) error
	FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	TransitionTaskStatus(ctx context.Context, taskID uuid.UUID, from []string, to string) (bool, error)
	ListTasksByStatus(ctx context.Context, status string, limit int) ([]domain.Task, error)

	// ClaimTask performs the atomic check-and-set at the heart of claim
	// resolution: lock the task row, verify it is still claimable, assign the
	// collector, close the open offer as accepted, and append the winning
	// ClaimAttempt — all in one transaction. Losing outcomes surface as
	// ErrTaskAlreadyClaimed, ErrClaimInProgress, or ErrTaskNotClaimable.
	ClaimTask(ctx context.Context, taskID, collectorID uuid.UUID) (*domain.Task, error)

	// ReleaseClaim reverts a claimed task to pending (budget denial path),
	// clearing the assignee and claim token.
	ReleaseClaim(ctx context.Context, taskID uuid.UUID) error

	// MarkTaskAssigned commits claimed -> assigned for the claiming collector.
	MarkTaskAssigned(ctx context.Context, taskID, collectorID uuid.UUID) (bool, error)

	// CancelTask atomically cancels a non-terminal task and voids any open
	// offer, returning the voided offer (if one existed) so in-process timers
	// can be stopped.
	CancelTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, *domain.Offer, error)

	// Claim attempt audit trail. Write-once, append-only.
	RecordClaimAttempt(ctx context.Context, attempt *domain.ClaimAttempt) error
	ListClaimAttemptsByTask(ctx context.Context, taskID uuid.UUID) ([]domain.ClaimAttempt, error)

	// Collector methods.
	FindCollectorByID(ctx context.Context, collectorID uuid.UUID) (*domain.Collector, error)
	UpdateCollectorLocation(ctx context.Context, collectorID uuid.UUID, lat, lon float64, at time.Time) error
	UpdateCollectorAvailability(ctx context.Context, collectorID uuid.UUID, availability string) error

	// ListCandidates returns active, online collectors with their current
	// open-task counts (non-terminal assigned tasks).
	ListCandidates(ctx context.Context) ([]domain.Candidate, error)

	// Offer methods. The store enforces at most one open offer per task.
	CreateOffer(ctx context.Context, offer *domain.Offer) error
	FindOfferByID(ctx context.Context, offerID uuid.UUID) (*domain.Offer, error)
	FindOpenOfferByTask(ctx context.Context, taskID uuid.UUID) (*domain.Offer, error)
	CloseOffer(ctx context.Context, offerID uuid.UUID, outcome string, respondedAt time.Time) (bool, error)
	ListExpiredOpenOffers(ctx context.Context, asOf time.Time) ([]domain.Offer, error)
	ListOfferedCollectorIDs(ctx context.Context, taskID uuid.UUID, round int) ([]uuid.UUID, error)
	IncrementTaskOfferRound(ctx context.Context, taskID uuid.UUID) (int, error)

	// Wallet and ledger methods. CreateLedgerEntry is idempotent per
	// (task_id, type): re-delivery returns the existing entry with created=false.
	FindOrCreateWallet(ctx context.Context, collectorID uuid.UUID, currency string) (*domain.WalletAccount, error)
	FindWalletByCollector(ctx context.Context, collectorID uuid.UUID) (*domain.WalletAccount, error)
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.WalletAccount, error)
	CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error)
	FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error)
	PostLedgerEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error)
	// PostHoldEntry posts like PostLedgerEntry but refuses, under the wallet
	// row lock, any entry whose posting would drive the balance negative.
	PostHoldEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error)
	MarkLedgerEntryFailed(ctx context.Context, entryID uuid.UUID) error
	ReverseLedgerEntry(ctx context.Context, entryID uuid.UUID, memo string) (*domain.LedgerEntry, error)
	RecomputeWalletBalance(ctx context.Context, walletID uuid.UUID) (int64, error)
	GetWalletSummary(ctx context.Context, collectorID uuid.UUID) (*domain.WalletSummary, error)
	ListLedgerEntriesByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)

	// Payout methods.
	CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error
	FindPayoutRequestByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error)
	ResolvePayoutRequest(ctx context.Context, payoutID uuid.UUID, status string, resolvedAt time.Time) (bool, error)

	// Budget methods. Reserve/release/spend on a budget row are serialized via
	// row locks so that remaining = allocated - spent - committed stays exact.
	CreateBudget(ctx context.Context, budget *domain.Budget) error
	FindBudgetByID(ctx context.Context, budgetID uuid.UUID) (*domain.Budget, error)
	ReserveBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64, strict bool) (*domain.Budget, error)
	ReleaseBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error)
	ApplyBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error)
	RevertBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error)
	TopUpBudget(ctx context.Context, budgetID uuid.UUID, amount int64, reason string, category *string) (*domain.Budget, error)
	ListBudgetTopUps(ctx context.Context, budgetID uuid.UUID) ([]domain.BudgetTopUp, error)
}
