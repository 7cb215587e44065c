package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/config"
	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Currency:                "SDG",
		DispatchExchange:        "dispatch.events",
		OfferTimeoutSeconds:     300,
		OfferSweepSchedule:      "* * * * *",
		NearbyRadiusKm:          5,
		MaxWorkload:             20,
		AvgTravelSpeedKmh:       30,
		LocationStaleMinutes:    60,
		BudgetPolicy:            config.BudgetPolicyStrict,
		BudgetWarningThreshold:  0.8,
		ClaimRateLimitPerMinute: 30,
	}
}

type claimRepoStub struct {
	store.Repository

	mu       sync.Mutex
	task     *domain.Task
	budget   *domain.Budget
	claimErr error

	claimCalls       int
	winnerID         *uuid.UUID
	attempts         []domain.ClaimAttempt
	reserveCalled    bool
	reserveAmount    int64
	reserveStrict    bool
	releaseClaimed   bool
	releaseFunds     bool
	assignedCalled   bool
	assignedDenied   bool
	assignedCollecID uuid.UUID
}

func (s *claimRepoStub) ClaimTask(ctx context.Context, taskID, collectorID uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if s.winnerID != nil {
		return nil, store.ErrTaskAlreadyClaimed
	}
	id := collectorID
	s.winnerID = &id
	claimed := *s.task
	claimed.Status = domain.TaskStatusClaimed
	claimed.AssigneeID = &id
	return &claimed, nil
}

func (s *claimRepoStub) RecordClaimAttempt(ctx context.Context, attempt *domain.ClaimAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *attempt)
	return nil
}

func (s *claimRepoStub) ReserveBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64, strict bool) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserveCalled = true
	s.reserveAmount = amount
	s.reserveStrict = strict
	if s.budget == nil {
		return nil, store.ErrNotFound
	}
	if strict && s.budget.Remaining() < amount {
		return nil, store.ErrBudgetExceeded
	}
	s.budget.Committed += amount
	b := *s.budget
	return &b, nil
}

func (s *claimRepoStub) ReleaseBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseFunds = true
	s.budget.Committed -= amount
	b := *s.budget
	return &b, nil
}

func (s *claimRepoStub) ReleaseClaim(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseClaimed = true
	s.winnerID = nil
	return nil
}

func (s *claimRepoStub) MarkTaskAssigned(ctx context.Context, taskID, collectorID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedCalled = true
	s.assignedCollecID = collectorID
	if s.assignedDenied {
		return false, nil
	}
	return true, nil
}

func (s *claimRepoStub) FindBudgetByID(ctx context.Context, budgetID uuid.UUID) (*domain.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.budget == nil {
		return nil, store.ErrNotFound
	}
	b := *s.budget
	return &b, nil
}

func newOfferedTask(budgetID *uuid.UUID, cost int64) *domain.Task {
	return &domain.Task{
		ID:           uuid.New(),
		SiteName:     "Alfashir Water Point",
		StateID:      "SD-KH",
		LocalityID:   "SD-KH-01",
		Status:       domain.TaskStatusOffered,
		CostEstimate: cost,
		BudgetID:     budgetID,
	}
}

func TestSubmitClaim_WinAssignsAndReservesBudget(t *testing.T) {
	budgetID := uuid.New()
	repo := &claimRepoStub{
		task:   newOfferedTask(&budgetID, 5000),
		budget: &domain.Budget{ID: budgetID, Allocated: 100000, Status: domain.BudgetStatusOK},
	}
	svc := NewService(repo, nil, nil, testConfig())
	collectorID := uuid.New()

	result, err := svc.SubmitClaim(context.Background(), repo.task.ID, collectorID)
	if err != nil {
		t.Fatalf("SubmitClaim returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected winning claim, got %+v", result)
	}
	if !repo.reserveCalled || repo.reserveAmount != 5000 {
		t.Errorf("expected budget reservation of 5000, got called=%v amount=%d", repo.reserveCalled, repo.reserveAmount)
	}
	if !repo.reserveStrict {
		t.Error("expected strict reservation under the strict policy")
	}
	if !repo.assignedCalled || repo.assignedCollecID != collectorID {
		t.Error("expected task to be marked assigned to the claiming collector")
	}
}

func TestSubmitClaim_LosingOutcomesMapToErrorCodes(t *testing.T) {
	tests := []struct {
		name        string
		claimErr    error
		wantCode    string
		wantOutcome string
	}{
		{"already claimed", store.ErrTaskAlreadyClaimed, "ALREADY_CLAIMED", domain.ClaimOutcomeAlreadyClaimed},
		{"claim in progress", store.ErrClaimInProgress, "CLAIM_IN_PROGRESS", domain.ClaimOutcomeClaimInProgress},
		{"invalid status", store.ErrTaskNotClaimable, "INVALID_STATUS", domain.ClaimOutcomeInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &claimRepoStub{task: newOfferedTask(nil, 0), claimErr: tt.claimErr}
			svc := NewService(repo, nil, nil, testConfig())

			result, err := svc.SubmitClaim(context.Background(), repo.task.ID, uuid.New())
			if err != nil {
				t.Fatalf("SubmitClaim returned error: %v", err)
			}
			if result.Success {
				t.Fatal("expected losing claim result")
			}
			if result.Error != tt.wantCode {
				t.Errorf("expected error code %s, got %s", tt.wantCode, result.Error)
			}
			if len(repo.attempts) != 1 || repo.attempts[0].Outcome != tt.wantOutcome {
				t.Errorf("expected one recorded attempt with outcome %s, got %+v", tt.wantOutcome, repo.attempts)
			}
		})
	}
}

func TestSubmitClaim_BudgetDenialRollsBackClaim(t *testing.T) {
	budgetID := uuid.New()
	repo := &claimRepoStub{
		task:   newOfferedTask(&budgetID, 80000),
		budget: &domain.Budget{ID: budgetID, Allocated: 100000, Spent: 50000, Status: domain.BudgetStatusOK},
	}
	svc := NewService(repo, nil, nil, testConfig())

	result, err := svc.SubmitClaim(context.Background(), repo.task.ID, uuid.New())
	if err != nil {
		t.Fatalf("SubmitClaim returned error: %v", err)
	}
	if result.Success || result.Error != "BUDGET_EXCEEDED" {
		t.Fatalf("expected BUDGET_EXCEEDED result, got %+v", result)
	}
	if !repo.releaseClaimed {
		t.Error("expected claim to be released after budget denial")
	}
	if repo.assignedCalled {
		t.Error("task must not be assigned when the reservation is denied")
	}
}

func TestSubmitClaim_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	repo := &claimRepoStub{task: newOfferedTask(nil, 0)}
	svc := NewService(repo, nil, nil, testConfig())
	taskID := repo.task.ID

	const contenders = 16
	var wg sync.WaitGroup
	results := make([]*domain.ClaimResult, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.SubmitClaim(context.Background(), taskID, uuid.New())
			if err != nil {
				t.Errorf("SubmitClaim returned error: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil && r.Success {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if repo.claimCalls != contenders {
		t.Errorf("expected %d claim calls, got %d", contenders, repo.claimCalls)
	}
	// Every loser leaves an audit record; the winner's record is written by
	// the store inside the claim transaction, which this stub does not model.
	if len(repo.attempts) != contenders-1 {
		t.Errorf("expected %d losing attempts, got %d", contenders-1, len(repo.attempts))
	}
}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (s *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, s.retryAfter, s.err
}

func TestSubmitClaim_RateLimited(t *testing.T) {
	repo := &claimRepoStub{task: newOfferedTask(nil, 0)}
	limiter := &stubLimiter{count: 31, retryAfter: 42}
	svc := NewService(repo, nil, limiter, testConfig())

	_, err := svc.SubmitClaim(context.Background(), repo.task.ID, uuid.New())
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.RetryAfterSeconds != 42 {
		t.Errorf("expected retry after 42s, got %d", rle.RetryAfterSeconds)
	}
	if repo.claimCalls != 0 {
		t.Error("claim must not reach the store when rate limited")
	}
}

func TestSubmitClaim_LimiterOutageFailsOpen(t *testing.T) {
	repo := &claimRepoStub{task: newOfferedTask(nil, 0)}
	limiter := &stubLimiter{err: errors.New("redis down")}
	svc := NewService(repo, nil, limiter, testConfig())

	result, err := svc.SubmitClaim(context.Background(), repo.task.ID, uuid.New())
	if err != nil {
		t.Fatalf("SubmitClaim returned error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected claim to proceed when the limiter is unavailable, got %+v", result)
	}
}
