package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

// ledgerRepoStub keeps an in-memory ledger with the same posting semantics as
// the real store: only posted entries count toward the balance, and entries
// keyed by (task, type) are created at most once.
type ledgerRepoStub struct {
	store.Repository

	mu      sync.Mutex
	task    *domain.Task
	budget  *domain.Budget
	wallet  *domain.WalletAccount
	entries map[uuid.UUID]*domain.LedgerEntry
	payouts map[uuid.UUID]*domain.PayoutRequest

	spendCalls  int
	spendAmount int64
}

func newLedgerRepoStub(task *domain.Task, budget *domain.Budget) *ledgerRepoStub {
	return &ledgerRepoStub{
		task:    task,
		budget:  budget,
		entries: make(map[uuid.UUID]*domain.LedgerEntry),
		payouts: make(map[uuid.UUID]*domain.PayoutRequest),
	}
}

func (s *ledgerRepoStub) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil || s.task.ID != taskID {
		return nil, store.ErrNotFound
	}
	t := *s.task
	return &t, nil
}

func (s *ledgerRepoStub) TransitionTaskStatus(ctx context.Context, taskID uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.task.Status == f {
			s.task.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *ledgerRepoStub) FindOrCreateWallet(ctx context.Context, collectorID uuid.UUID, currency string) (*domain.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil {
		s.wallet = &domain.WalletAccount{ID: uuid.New(), CollectorID: collectorID, Currency: currency}
	}
	w := *s.wallet
	return &w, nil
}

func (s *ledgerRepoStub) FindWalletByCollector(ctx context.Context, collectorID uuid.UUID) (*domain.WalletAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet == nil || s.wallet.CollectorID != collectorID {
		return nil, store.ErrNotFound
	}
	w := *s.wallet
	return &w, nil
}

func (s *ledgerRepoStub) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.TaskID != nil {
		for _, e := range s.entries {
			if e.TaskID != nil && *e.TaskID == *entry.TaskID && e.Type == entry.Type {
				copied := *e
				return &copied, false, nil
			}
		}
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	result := copied
	return &result, true, nil
}

func (s *ledgerRepoStub) FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *ledgerRepoStub) PostLedgerEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	if e.Status != domain.EntryStatusPending {
		return nil, 0, store.ErrEntryNotPending
	}
	e.Status = domain.EntryStatusPosted
	now := time.Now()
	e.PostedAt = &now
	balance := s.foldLocked()
	s.wallet.Balance = balance
	copied := *e
	return &copied, balance, nil
}

func (s *ledgerRepoStub) PostHoldEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	if e.Status != domain.EntryStatusPending {
		return nil, 0, store.ErrEntryNotPending
	}
	e.Status = domain.EntryStatusPosted
	now := time.Now()
	e.PostedAt = &now
	balance := s.foldLocked()
	if balance < 0 {
		// The store rolls the transaction back; the entry stays pending.
		e.Status = domain.EntryStatusPending
		e.PostedAt = nil
		return nil, 0, store.ErrInsufficientBalance
	}
	s.wallet.Balance = balance
	copied := *e
	return &copied, balance, nil
}

func (s *ledgerRepoStub) MarkLedgerEntryFailed(ctx context.Context, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status != domain.EntryStatusPending {
		return store.ErrEntryNotPending
	}
	e.Status = domain.EntryStatusFailed
	return nil
}

func (s *ledgerRepoStub) ReverseLedgerEntry(ctx context.Context, entryID uuid.UUID, memo string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.Status != domain.EntryStatusPosted {
		return nil, store.ErrEntryNotPosted
	}
	e.Status = domain.EntryStatusReversed
	now := time.Now()
	reversal := &domain.LedgerEntry{
		ID:              uuid.New(),
		WalletID:        e.WalletID,
		Amount:          -e.Amount,
		Type:            domain.EntryTypeReversal,
		Status:          domain.EntryStatusPosted,
		ReversesEntryID: &e.ID,
		Memo:            &memo,
		PostedAt:        &now,
	}
	s.entries[reversal.ID] = reversal
	s.wallet.Balance = s.foldLocked()
	copied := *reversal
	return &copied, nil
}

// foldLocked recomputes the balance over posted entries. Reversed originals
// drop out of the fold; their posted reversal carries the offsetting amount,
// matching how the SQL fold sees the table after both rows exist.
func (s *ledgerRepoStub) foldLocked() int64 {
	var total int64
	for _, e := range s.entries {
		if e.Status == domain.EntryStatusPosted {
			total += e.Amount
		}
	}
	return total
}

func (s *ledgerRepoStub) ApplyBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spendCalls++
	s.spendAmount += amount
	s.budget.Committed -= amount
	if s.budget.Committed < 0 {
		s.budget.Committed = 0
	}
	s.budget.Spent += amount
	b := *s.budget
	return &b, nil
}

func (s *ledgerRepoStub) RevertBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget.Spent -= amount
	if s.budget.Spent < 0 {
		s.budget.Spent = 0
	}
	b := *s.budget
	return &b, nil
}

func (s *ledgerRepoStub) CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	s.payouts[req.ID] = &copied
	return nil
}

func (s *ledgerRepoStub) FindPayoutRequestByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *ledgerRepoStub) ResolvePayoutRequest(ctx context.Context, payoutID uuid.UUID, status string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutID]
	if !ok {
		return false, store.ErrNotFound
	}
	switch p.Status {
	case domain.PayoutStatusRequested, domain.PayoutStatusApproved:
		p.Status = status
		p.ResolvedAt = &resolvedAt
		return true, nil
	default:
		return false, nil
	}
}

func completedSetup(cost int64) (*ledgerRepoStub, uuid.UUID) {
	budgetID := uuid.New()
	collectorID := uuid.New()
	task := &domain.Task{
		ID:           uuid.New(),
		SiteName:     "Omdurman Health Post",
		StateID:      "SD-KH",
		LocalityID:   "SD-KH-02",
		Status:       domain.TaskStatusInProgress,
		AssigneeID:   &collectorID,
		CostEstimate: cost,
		BudgetID:     &budgetID,
	}
	budget := &domain.Budget{ID: budgetID, Allocated: 100000, Committed: cost, Status: domain.BudgetStatusOK}
	return newLedgerRepoStub(task, budget), collectorID
}

func TestReportCompletion_CreatesPendingEarningAndSpendsBudget(t *testing.T) {
	repo, collectorID := completedSetup(5000)
	svc := NewService(repo, nil, nil, testConfig())

	entry, err := svc.ReportCompletion(context.Background(), domain.CompletionReport{
		TaskID:      repo.task.ID,
		CollectorID: collectorID,
	})
	if err != nil {
		t.Fatalf("ReportCompletion returned error: %v", err)
	}
	if entry == nil || entry.Status != domain.EntryStatusPending {
		t.Fatalf("expected a pending earning entry, got %+v", entry)
	}
	if entry.Amount != 5000 || entry.Type != domain.EntryTypeEarning {
		t.Errorf("expected a 5000 earning, got amount=%d type=%s", entry.Amount, entry.Type)
	}
	if repo.task.Status != domain.TaskStatusCompleted {
		t.Errorf("expected task completed, got %s", repo.task.Status)
	}
	if repo.budget.Spent != 5000 || repo.budget.Committed != 0 {
		t.Errorf("expected reservation converted to spend, got spent=%d committed=%d", repo.budget.Spent, repo.budget.Committed)
	}
	// Pending earnings stay out of the balance until approved.
	if repo.wallet.Balance != 0 {
		t.Errorf("pending earning must not affect the balance, got %d", repo.wallet.Balance)
	}
}

func TestReportCompletion_RedeliveryIsIdempotent(t *testing.T) {
	repo, collectorID := completedSetup(5000)
	svc := NewService(repo, nil, nil, testConfig())
	report := domain.CompletionReport{TaskID: repo.task.ID, CollectorID: collectorID}

	first, err := svc.ReportCompletion(context.Background(), report)
	if err != nil {
		t.Fatalf("first ReportCompletion returned error: %v", err)
	}
	second, err := svc.ReportCompletion(context.Background(), report)
	if err != nil {
		t.Fatalf("second ReportCompletion returned error: %v", err)
	}
	if first.ID != second.ID {
		t.Error("re-delivery must return the same earning entry")
	}
	if len(repo.entries) != 1 {
		t.Errorf("expected exactly one ledger entry, got %d", len(repo.entries))
	}
	if repo.spendCalls != 1 || repo.budget.Spent != 5000 {
		t.Errorf("budget spend must apply once, got calls=%d spent=%d", repo.spendCalls, repo.budget.Spent)
	}
}

func TestReportCompletion_WrongCollectorRefused(t *testing.T) {
	repo, _ := completedSetup(5000)
	svc := NewService(repo, nil, nil, testConfig())

	_, err := svc.ReportCompletion(context.Background(), domain.CompletionReport{
		TaskID:      repo.task.ID,
		CollectorID: uuid.New(),
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApproveEarning_PostsAndMovesBalance(t *testing.T) {
	repo, collectorID := completedSetup(5000)
	svc := NewService(repo, nil, nil, testConfig())

	entry, err := svc.ReportCompletion(context.Background(), domain.CompletionReport{
		TaskID:      repo.task.ID,
		CollectorID: collectorID,
	})
	if err != nil {
		t.Fatalf("ReportCompletion returned error: %v", err)
	}

	posted, err := svc.ApproveEarning(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("ApproveEarning returned error: %v", err)
	}
	if posted.Status != domain.EntryStatusPosted {
		t.Errorf("expected posted entry, got %s", posted.Status)
	}
	if repo.wallet.Balance != 5000 {
		t.Errorf("expected balance 5000 after posting, got %d", repo.wallet.Balance)
	}

	// Posting is not repeatable: the entry already left pending.
	if _, err := svc.ApproveEarning(context.Background(), entry.ID); !errors.Is(err, store.ErrEntryNotPending) {
		t.Fatalf("expected ErrEntryNotPending on double approval, got %v", err)
	}
}

func TestRejectEarning_FailsEntryAndRevertsSpend(t *testing.T) {
	repo, collectorID := completedSetup(5000)
	svc := NewService(repo, nil, nil, testConfig())

	entry, err := svc.ReportCompletion(context.Background(), domain.CompletionReport{
		TaskID:      repo.task.ID,
		CollectorID: collectorID,
	})
	if err != nil {
		t.Fatalf("ReportCompletion returned error: %v", err)
	}
	if err := svc.RejectEarning(context.Background(), entry.ID); err != nil {
		t.Fatalf("RejectEarning returned error: %v", err)
	}
	if got := repo.entries[entry.ID].Status; got != domain.EntryStatusFailed {
		t.Errorf("expected failed entry, got %s", got)
	}
	if repo.budget.Spent != 0 {
		t.Errorf("expected spend reverted, got %d", repo.budget.Spent)
	}
	if repo.wallet.Balance != 0 {
		t.Errorf("failed earning must not touch the balance, got %d", repo.wallet.Balance)
	}
}

func payoutSetup(t *testing.T, balance int64) (*Service, *ledgerRepoStub, uuid.UUID) {
	t.Helper()
	repo := newLedgerRepoStub(nil, nil)
	collectorID := uuid.New()
	svc := NewService(repo, nil, nil, testConfig())

	if balance > 0 {
		if _, err := svc.PostManualAdjustment(context.Background(), collectorID, balance, "opening balance"); err != nil {
			t.Fatalf("failed to seed balance: %v", err)
		}
	} else {
		if _, err := repo.FindOrCreateWallet(context.Background(), collectorID, "SDG"); err != nil {
			t.Fatalf("failed to create wallet: %v", err)
		}
	}
	return svc, repo, collectorID
}

func TestRequestPayout_HoldsFunds(t *testing.T) {
	svc, repo, collectorID := payoutSetup(t, 10000)

	req, err := svc.RequestPayout(context.Background(), collectorID, 4000, "mobile_money")
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if req.Status != domain.PayoutStatusRequested || req.HoldEntryID == nil {
		t.Fatalf("expected a requested payout with a hold entry, got %+v", req)
	}
	if repo.wallet.Balance != 6000 {
		t.Errorf("expected the hold to drop the balance to 6000, got %d", repo.wallet.Balance)
	}
}

func TestRequestPayout_InsufficientBalance(t *testing.T) {
	svc, _, collectorID := payoutSetup(t, 1000)

	_, err := svc.RequestPayout(context.Background(), collectorID, 4000, "bank")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRequestPayout_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	svc, repo, collectorID := payoutSetup(t, 10000)

	const requests = 8
	var wg sync.WaitGroup
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RequestPayout(context.Background(), collectorID, 10000, "bank")
		}(i)
	}
	wg.Wait()

	var held int
	for _, err := range errs {
		switch {
		case err == nil:
			held++
		case errors.Is(err, store.ErrInsufficientBalance):
		default:
			t.Fatalf("unexpected payout error: %v", err)
		}
	}
	if held != 1 {
		t.Fatalf("expected exactly one request to hold funds, got %d", held)
	}
	if repo.wallet.Balance < 0 {
		t.Fatalf("wallet overdrawn to %d by concurrent payout requests", repo.wallet.Balance)
	}
	if repo.wallet.Balance != 0 {
		t.Errorf("expected the winning hold to leave balance 0, got %d", repo.wallet.Balance)
	}
}

func TestDeclinePayout_ReleasesHold(t *testing.T) {
	svc, repo, collectorID := payoutSetup(t, 10000)

	req, err := svc.RequestPayout(context.Background(), collectorID, 4000, "bank")
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if err := svc.DeclinePayout(context.Background(), req.ID); err != nil {
		t.Fatalf("DeclinePayout returned error: %v", err)
	}
	if repo.wallet.Balance != 10000 {
		t.Errorf("expected the reversal to restore the balance, got %d", repo.wallet.Balance)
	}
	if repo.payouts[req.ID].Status != domain.PayoutStatusDeclined {
		t.Errorf("expected payout declined, got %s", repo.payouts[req.ID].Status)
	}
}

func TestMarkPayoutPaid_SettlesHold(t *testing.T) {
	svc, repo, collectorID := payoutSetup(t, 10000)

	req, err := svc.RequestPayout(context.Background(), collectorID, 4000, "bank")
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if err := svc.ApprovePayout(context.Background(), req.ID); err != nil {
		t.Fatalf("ApprovePayout returned error: %v", err)
	}
	if err := svc.MarkPayoutPaid(context.Background(), req.ID); err != nil {
		t.Fatalf("MarkPayoutPaid returned error: %v", err)
	}
	// The hold reverses and the settlement debit posts: net effect one 4000
	// debit against the opening 10000.
	if repo.wallet.Balance != 6000 {
		t.Errorf("expected balance 6000 after settlement, got %d", repo.wallet.Balance)
	}
	if repo.payouts[req.ID].Status != domain.PayoutStatusPaid {
		t.Errorf("expected payout paid, got %s", repo.payouts[req.ID].Status)
	}

	var paidEntries int
	for _, e := range repo.entries {
		if e.Type == domain.EntryTypePayoutPaid && e.Status == domain.EntryStatusPosted {
			paidEntries++
		}
	}
	if paidEntries != 1 {
		t.Errorf("expected one posted payout_paid entry, got %d", paidEntries)
	}
}

func TestPostManualAdjustment_RequiresMemo(t *testing.T) {
	repo := newLedgerRepoStub(nil, nil)
	svc := NewService(repo, nil, nil, testConfig())

	if _, err := svc.PostManualAdjustment(context.Background(), uuid.New(), 1000, "  "); !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
	if _, err := svc.PostManualAdjustment(context.Background(), uuid.New(), 0, "correction"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

type topUpRepoStub struct {
	store.Repository

	called bool
	reason string
}

func (s *topUpRepoStub) TopUpBudget(ctx context.Context, budgetID uuid.UUID, amount int64, reason string, category *string) (*domain.Budget, error) {
	s.called = true
	s.reason = reason
	return &domain.Budget{ID: budgetID, Allocated: amount, Status: domain.BudgetStatusOK}, nil
}

func TestTopUpBudget_RequiresReason(t *testing.T) {
	repo := &topUpRepoStub{}
	svc := NewService(repo, nil, nil, testConfig())

	if _, err := svc.TopUpBudget(context.Background(), uuid.New(), domain.TopUpBudgetRequest{Amount: 1000}); !errors.Is(err, ErrMissingReason) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
	if _, err := svc.TopUpBudget(context.Background(), uuid.New(), domain.TopUpBudgetRequest{Amount: 0, Reason: "extra fieldwork"}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if repo.called {
		t.Fatal("invalid top-ups must not reach the store")
	}

	if _, err := svc.TopUpBudget(context.Background(), uuid.New(), domain.TopUpBudgetRequest{Amount: 1000, Reason: "  extra fieldwork  "}); err != nil {
		t.Fatalf("TopUpBudget returned error: %v", err)
	}
	if repo.reason != "extra fieldwork" {
		t.Errorf("expected trimmed reason, got %q", repo.reason)
	}
}
