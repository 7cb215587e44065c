/**
 * @description
 * Wallet, payout, and budget operations. Wallet money flows only through ledger
 * entries: payouts hold funds with a posted debit, resolve by reversing or
 * settling that hold, and manual adjustments are posted entries with a
 * mandatory memo. Budget top-ups are audited allocation increases.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

// GetWalletSummary returns the balance, pending earnings, and lifetime figures
// for a collector, creating the wallet on first touch.
func (s *Service) GetWalletSummary(ctx context.Context, collectorID uuid.UUID) (*domain.WalletSummary, error) {
	if _, err := s.repo.FindOrCreateWallet(ctx, collectorID, s.cfg.Currency); err != nil {
		return nil, fmt.Errorf("failed to resolve wallet: %w", err)
	}
	return s.repo.GetWalletSummary(ctx, collectorID)
}

// ListWalletEntries pages through a collector's ledger history, newest first.
func (s *Service) ListWalletEntries(ctx context.Context, collectorID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	wallet, err := s.repo.FindWalletByCollector(ctx, collectorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLedgerEntriesByWallet(ctx, wallet.ID, limit, offset)
}

// RecomputeWalletBalance re-folds the posted entries and stamps the result on
// the wallet row. An audit endpoint: the returned balance must always equal
// the cached one.
func (s *Service) RecomputeWalletBalance(ctx context.Context, collectorID uuid.UUID) (int64, error) {
	wallet, err := s.repo.FindWalletByCollector(ctx, collectorID)
	if err != nil {
		return 0, err
	}
	return s.repo.RecomputeWalletBalance(ctx, wallet.ID)
}

// RequestPayout holds the requested amount with a posted payout_hold debit and
// records the payout request. The hold keeps a second request from spending
// the same balance while this one is in review. The admission check is the
// hold posting itself: PostHoldEntry refuses, under the wallet row lock, any
// hold that would overdraw, so racing requests cannot each pass a stale
// balance read.
func (s *Service) RequestPayout(ctx context.Context, collectorID uuid.UUID, amount int64, method string) (*domain.PayoutRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	wallet, err := s.repo.FindWalletByCollector(ctx, collectorID)
	if err != nil {
		return nil, err
	}
	// Fast-path rejection on the cached balance; authoritative check below.
	if wallet.Balance < amount {
		return nil, store.ErrInsufficientBalance
	}

	memo := fmt.Sprintf("Payout hold (%s)", method)
	hold, _, err := s.repo.CreateLedgerEntry(ctx, &domain.LedgerEntry{
		ID:       uuid.New(),
		WalletID: wallet.ID,
		Amount:   -amount,
		Type:     domain.EntryTypePayoutHold,
		Status:   domain.EntryStatusPending,
		Memo:     &memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payout hold: %w", err)
	}
	posted, balance, err := s.repo.PostHoldEntry(ctx, hold.ID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			if failErr := s.repo.MarkLedgerEntryFailed(ctx, hold.ID); failErr != nil {
				log.Printf("level=error component=ledger msg=\"failed to discard refused hold\" entry_id=%s err=%v", hold.ID, failErr)
			}
			return nil, store.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to post payout hold: %w", err)
	}
	s.publishWalletEvent(ctx, domain.WalletEvent{
		WalletID: posted.WalletID,
		EntryID:  posted.ID,
		Type:     posted.Type,
		Amount:   posted.Amount,
		Balance:  balance,
	})

	req := &domain.PayoutRequest{
		ID:          uuid.New(),
		WalletID:    wallet.ID,
		Amount:      amount,
		Method:      method,
		Status:      domain.PayoutStatusRequested,
		HoldEntryID: &posted.ID,
		RequestedAt: s.now(),
	}
	if err := s.repo.CreatePayoutRequest(ctx, req); err != nil {
		// Undo the hold so the failed request does not freeze funds.
		if _, revErr := s.repo.ReverseLedgerEntry(ctx, posted.ID, "payout request failed"); revErr != nil {
			log.Printf("level=error component=ledger msg=\"failed to reverse orphaned hold\" entry_id=%s err=%v", posted.ID, revErr)
		}
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}
	log.Printf("level=info component=ledger msg=\"payout requested\" payout_id=%s wallet_id=%s amount=%d method=%s", req.ID, wallet.ID, amount, method)
	return req, nil
}

// ApprovePayout marks a requested payout as approved. Funds remain held.
func (s *Service) ApprovePayout(ctx context.Context, payoutID uuid.UUID) error {
	changed, err := s.repo.ResolvePayoutRequest(ctx, payoutID, domain.PayoutStatusApproved, s.now())
	if err != nil {
		return err
	}
	if !changed {
		return store.ErrInvalidTransition
	}
	return nil
}

// DeclinePayout resolves the request against the collector and reverses the
// hold, restoring the balance.
func (s *Service) DeclinePayout(ctx context.Context, payoutID uuid.UUID) error {
	return s.releasePayoutHold(ctx, payoutID, domain.PayoutStatusDeclined, "payout declined")
}

// CancelPayout withdraws a pending request at the collector's initiative.
func (s *Service) CancelPayout(ctx context.Context, payoutID uuid.UUID) error {
	return s.releasePayoutHold(ctx, payoutID, domain.PayoutStatusCancelled, "payout cancelled")
}

func (s *Service) releasePayoutHold(ctx context.Context, payoutID uuid.UUID, status, memo string) error {
	req, err := s.repo.FindPayoutRequestByID(ctx, payoutID)
	if err != nil {
		return err
	}
	changed, err := s.repo.ResolvePayoutRequest(ctx, payoutID, status, s.now())
	if err != nil {
		return err
	}
	if !changed {
		return store.ErrInvalidTransition
	}
	if req.HoldEntryID != nil {
		reversal, err := s.repo.ReverseLedgerEntry(ctx, *req.HoldEntryID, memo)
		if err != nil {
			return fmt.Errorf("failed to reverse payout hold: %w", err)
		}
		s.publishWalletEvent(ctx, domain.WalletEvent{
			WalletID: reversal.WalletID,
			EntryID:  reversal.ID,
			Type:     reversal.Type,
			Amount:   reversal.Amount,
		})
	}
	log.Printf("level=info component=ledger msg=\"payout resolved\" payout_id=%s status=%s", payoutID, status)
	return nil
}

// MarkPayoutPaid settles an approved payout: the hold is replaced by a posted
// payout_paid debit so the history shows money actually leaving the wallet.
func (s *Service) MarkPayoutPaid(ctx context.Context, payoutID uuid.UUID) error {
	req, err := s.repo.FindPayoutRequestByID(ctx, payoutID)
	if err != nil {
		return err
	}
	changed, err := s.repo.ResolvePayoutRequest(ctx, payoutID, domain.PayoutStatusPaid, s.now())
	if err != nil {
		return err
	}
	if !changed {
		return store.ErrInvalidTransition
	}

	if req.HoldEntryID != nil {
		if _, err := s.repo.ReverseLedgerEntry(ctx, *req.HoldEntryID, "payout settled"); err != nil {
			return fmt.Errorf("failed to reverse payout hold: %w", err)
		}
	}
	memo := fmt.Sprintf("Payout via %s", req.Method)
	paid, _, err := s.repo.CreateLedgerEntry(ctx, &domain.LedgerEntry{
		ID:       uuid.New(),
		WalletID: req.WalletID,
		Amount:   -req.Amount,
		Type:     domain.EntryTypePayoutPaid,
		Status:   domain.EntryStatusPending,
		Memo:     &memo,
	})
	if err != nil {
		return fmt.Errorf("failed to create payout_paid entry: %w", err)
	}
	posted, balance, err := s.repo.PostLedgerEntry(ctx, paid.ID)
	if err != nil {
		return fmt.Errorf("failed to post payout_paid entry: %w", err)
	}
	log.Printf("level=info component=ledger msg=\"payout settled\" payout_id=%s wallet_id=%s amount=%d balance=%d", payoutID, req.WalletID, req.Amount, balance)
	s.publishWalletEvent(ctx, domain.WalletEvent{
		WalletID: posted.WalletID,
		EntryID:  posted.ID,
		Type:     posted.Type,
		Amount:   posted.Amount,
		Balance:  balance,
	})
	return nil
}

// PostManualAdjustment creates and posts a supervisor adjustment. The entry
// type follows the sign; a memo explaining the correction is mandatory.
func (s *Service) PostManualAdjustment(ctx context.Context, collectorID uuid.UUID, amount int64, memo string) (*domain.LedgerEntry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(memo) == "" {
		return nil, ErrMissingReason
	}
	wallet, err := s.repo.FindOrCreateWallet(ctx, collectorID, s.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet: %w", err)
	}

	entryType := domain.EntryTypeAdjustmentCredit
	if amount < 0 {
		entryType = domain.EntryTypeAdjustmentDebit
	}
	entry, _, err := s.repo.CreateLedgerEntry(ctx, &domain.LedgerEntry{
		ID:       uuid.New(),
		WalletID: wallet.ID,
		Amount:   amount,
		Type:     entryType,
		Status:   domain.EntryStatusPending,
		Memo:     &memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create adjustment: %w", err)
	}
	posted, balance, err := s.repo.PostLedgerEntry(ctx, entry.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to post adjustment: %w", err)
	}
	log.Printf("level=info component=ledger msg=\"adjustment posted\" wallet_id=%s amount=%d balance=%d", wallet.ID, amount, balance)
	s.publishWalletEvent(ctx, domain.WalletEvent{
		WalletID: posted.WalletID,
		EntryID:  posted.ID,
		Type:     posted.Type,
		Amount:   posted.Amount,
		Balance:  balance,
	})
	return posted, nil
}

// ReverseEntry reverses a posted entry with a linked reversal. The original is
// never mutated beyond its status flip.
func (s *Service) ReverseEntry(ctx context.Context, entryID uuid.UUID, memo string) (*domain.LedgerEntry, error) {
	if strings.TrimSpace(memo) == "" {
		return nil, ErrMissingReason
	}
	reversal, err := s.repo.ReverseLedgerEntry(ctx, entryID, memo)
	if err != nil {
		return nil, err
	}
	s.publishWalletEvent(ctx, domain.WalletEvent{
		WalletID: reversal.WalletID,
		EntryID:  reversal.ID,
		Type:     reversal.Type,
		Amount:   reversal.Amount,
	})
	return reversal, nil
}

// CreateBudget registers a new allocation pool.
func (s *Service) CreateBudget(ctx context.Context, budget *domain.Budget) (*domain.Budget, error) {
	if budget.Allocated < 0 {
		return nil, ErrInvalidAmount
	}
	if budget.ID == uuid.Nil {
		budget.ID = uuid.New()
	}
	if budget.Currency == "" {
		budget.Currency = s.cfg.Currency
	}
	budget.Status = domain.BudgetStatusOK
	if err := s.repo.CreateBudget(ctx, budget); err != nil {
		return nil, fmt.Errorf("failed to create budget: %w", err)
	}
	return budget, nil
}

// GetBudget returns a budget with its derived status.
func (s *Service) GetBudget(ctx context.Context, budgetID uuid.UUID) (*domain.Budget, error) {
	return s.repo.FindBudgetByID(ctx, budgetID)
}

// TopUpBudget increases a budget's allocation. The reason is part of the audit
// trail and is refused when empty.
func (s *Service) TopUpBudget(ctx context.Context, budgetID uuid.UUID, req domain.TopUpBudgetRequest) (*domain.Budget, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrMissingReason
	}
	budget, err := s.repo.TopUpBudget(ctx, budgetID, req.Amount, strings.TrimSpace(req.Reason), req.Category)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=budget msg=\"budget topped up\" budget_id=%s amount=%d status=%s", budgetID, req.Amount, budget.Status)
	s.publishBudgetEvent(ctx, domain.EventBudgetTopUp, budget, req.Reason)
	return budget, nil
}

// ListBudgetTopUps returns the audited top-up history for a budget.
func (s *Service) ListBudgetTopUps(ctx context.Context, budgetID uuid.UUID) ([]domain.BudgetTopUp, error) {
	return s.repo.ListBudgetTopUps(ctx, budgetID)
}
