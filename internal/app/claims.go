/**
 * @description
 * Claim resolution and the post-claim lifecycle. A claim is the only way a task
 * gains an assignee; resolution rides on the store's single-transaction
 * check-and-set so that concurrent claims produce exactly one winner. The
 * winner's assignment is then finalized against the task's budget, and the
 * completion path turns finished fieldwork into a pending wallet earning.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/config"
	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

// SubmitClaim is the direct claim entry point used by the task feed. It is
// rate limited per collector; offers accepted through AcceptOffer are not,
// since the engine invited that collector itself.
func (s *Service) SubmitClaim(ctx context.Context, taskID, collectorID uuid.UUID) (*domain.ClaimResult, error) {
	if s.rateLimiter != nil && s.cfg.ClaimRateLimitPerMinute > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "claim", collectorID.String(), s.cfg.ClaimRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=dispatch msg=\"rate limiter unavailable; allowing claim\" collector_id=%s err=%v", collectorID, err)
		} else if count > s.cfg.ClaimRateLimitPerMinute {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}
	return s.resolveClaim(ctx, taskID, collectorID)
}

// resolveClaim runs the atomic claim and maps each losing outcome onto its
// audit record and API error code. The winning attempt is recorded by the
// store inside the claim transaction; losing attempts are recorded here.
func (s *Service) resolveClaim(ctx context.Context, taskID, collectorID uuid.UUID) (*domain.ClaimResult, error) {
	task, err := s.repo.ClaimTask(ctx, taskID, collectorID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskAlreadyClaimed):
			s.recordLosingAttempt(ctx, taskID, collectorID, domain.ClaimOutcomeAlreadyClaimed)
			return &domain.ClaimResult{
				Success: false,
				Error:   "ALREADY_CLAIMED",
				Message: "This task was just claimed by another collector.",
				TaskID:  taskID.String(),
			}, nil
		case errors.Is(err, store.ErrClaimInProgress):
			s.recordLosingAttempt(ctx, taskID, collectorID, domain.ClaimOutcomeClaimInProgress)
			return &domain.ClaimResult{
				Success: false,
				Error:   "CLAIM_IN_PROGRESS",
				Message: "Another claim for this task is being processed. Try again shortly.",
				TaskID:  taskID.String(),
			}, nil
		case errors.Is(err, store.ErrTaskNotClaimable):
			s.recordLosingAttempt(ctx, taskID, collectorID, domain.ClaimOutcomeInvalidStatus)
			return &domain.ClaimResult{
				Success: false,
				Error:   "INVALID_STATUS",
				Message: "This task is no longer open for claims.",
				TaskID:  taskID.String(),
			}, nil
		default:
			return nil, err
		}
	}

	s.stopOfferTimer(taskID)
	log.Printf("level=info component=dispatch msg=\"claim won\" task_id=%s collector_id=%s", taskID, collectorID)
	s.publishTaskEvent(ctx, domain.EventTaskClaimed, domain.TaskEvent{
		TaskID:      taskID,
		Status:      domain.TaskStatusClaimed,
		CollectorID: &collectorID,
	})

	return s.finalizeAssignment(ctx, task, collectorID)
}

func (s *Service) recordLosingAttempt(ctx context.Context, taskID, collectorID uuid.UUID, outcome string) {
	attempt := &domain.ClaimAttempt{
		ID:          uuid.New(),
		TaskID:      taskID,
		CollectorID: collectorID,
		Outcome:     outcome,
		AttemptedAt: s.now(),
	}
	if err := s.repo.RecordClaimAttempt(ctx, attempt); err != nil {
		log.Printf("level=warn component=dispatch msg=\"failed to record claim attempt\" task_id=%s collector_id=%s outcome=%s err=%v",
			taskID, collectorID, outcome, err)
	}
}

// finalizeAssignment reserves the task's cost against its budget and commits
// claimed -> assigned. Under the strict policy a reservation that would push
// the budget over its allocation rolls the claim back and reopens the task.
func (s *Service) finalizeAssignment(ctx context.Context, task *domain.Task, collectorID uuid.UUID) (*domain.ClaimResult, error) {
	if task.BudgetID != nil && task.CostEstimate > 0 {
		strict := s.cfg.BudgetPolicy == config.BudgetPolicyStrict
		budget, err := s.repo.ReserveBudgetFunds(ctx, *task.BudgetID, task.CostEstimate, strict)
		if err != nil {
			if errors.Is(err, store.ErrBudgetExceeded) {
				return s.rollbackForBudget(ctx, task, collectorID)
			}
			return nil, fmt.Errorf("failed to reserve budget funds: %w", err)
		}
		if budget.Status != domain.BudgetStatusOK {
			s.publishBudgetEvent(ctx, domain.EventBudgetWarning, budget, fmt.Sprintf("reservation for task %s", task.ID))
		}
	}

	changed, err := s.repo.MarkTaskAssigned(ctx, task.ID, collectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task assigned: %w", err)
	}
	if !changed {
		// The task moved under us (cancellation racing the claim). Give the
		// reservation back rather than stranding committed funds.
		if task.BudgetID != nil && task.CostEstimate > 0 {
			if _, relErr := s.repo.ReleaseBudgetFunds(ctx, *task.BudgetID, task.CostEstimate); relErr != nil {
				log.Printf("level=error component=dispatch msg=\"failed to release reservation after lost assignment\" task_id=%s err=%v", task.ID, relErr)
			}
		}
		return nil, store.ErrInvalidTransition
	}

	log.Printf("level=info component=dispatch msg=\"task assigned\" task_id=%s collector_id=%s", task.ID, collectorID)
	s.publishTaskEvent(ctx, domain.EventTaskAssigned, domain.TaskEvent{
		TaskID:      task.ID,
		Status:      domain.TaskStatusAssigned,
		CollectorID: &collectorID,
	})
	return &domain.ClaimResult{
		Success: true,
		Message: "Task assigned.",
		TaskID:  task.ID.String(),
	}, nil
}

// rollbackForBudget reverts a won claim whose budget reservation was denied.
// The task returns to the pool and downstream hears why.
func (s *Service) rollbackForBudget(ctx context.Context, task *domain.Task, collectorID uuid.UUID) (*domain.ClaimResult, error) {
	if err := s.repo.ReleaseClaim(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("failed to release claim after budget denial: %w", err)
	}
	log.Printf("level=warn component=dispatch msg=\"claim rolled back, budget exhausted\" task_id=%s collector_id=%s budget_id=%s cost=%d",
		task.ID, collectorID, *task.BudgetID, task.CostEstimate)

	if budget, err := s.repo.FindBudgetByID(ctx, *task.BudgetID); err == nil {
		s.publishBudgetEvent(ctx, domain.EventBudgetBlocked, budget, fmt.Sprintf("assignment blocked for task %s", task.ID))
	}
	s.publishTaskEvent(ctx, domain.EventBudgetBlocked, domain.TaskEvent{
		TaskID:      task.ID,
		Status:      domain.TaskStatusPending,
		CollectorID: &collectorID,
		Reason:      "budget allocation exhausted",
	})
	return &domain.ClaimResult{
		Success: false,
		Error:   "BUDGET_EXCEEDED",
		Message: "The task's budget cannot cover this assignment.",
		TaskID:  task.ID.String(),
	}, nil
}

// StartFieldwork commits assigned -> in_progress for the assignee.
func (s *Service) StartFieldwork(ctx context.Context, taskID, collectorID uuid.UUID) error {
	task, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssigneeID == nil || *task.AssigneeID != collectorID {
		return store.ErrInvalidTransition
	}
	changed, err := s.repo.TransitionTaskStatus(ctx, taskID,
		[]string{domain.TaskStatusAssigned}, domain.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to start fieldwork: %w", err)
	}
	if !changed {
		return store.ErrInvalidTransition
	}
	log.Printf("level=info component=dispatch msg=\"fieldwork started\" task_id=%s collector_id=%s", taskID, collectorID)
	return nil
}

// ReportCompletion commits the task to completed, moves the budget reservation
// from committed to spent, and creates the pending earning. The earning is
// idempotent per task, so a re-delivered completion report changes nothing.
func (s *Service) ReportCompletion(ctx context.Context, report domain.CompletionReport) (*domain.LedgerEntry, error) {
	task, err := s.repo.FindTaskByID(ctx, report.TaskID)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || *task.AssigneeID != report.CollectorID {
		return nil, store.ErrInvalidTransition
	}

	changed, err := s.repo.TransitionTaskStatus(ctx, report.TaskID,
		[]string{domain.TaskStatusAssigned, domain.TaskStatusInProgress}, domain.TaskStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}
	if changed {
		log.Printf("level=info component=dispatch msg=\"task completed\" task_id=%s collector_id=%s", report.TaskID, report.CollectorID)
		s.publishTaskEvent(ctx, domain.EventTaskCompleted, domain.TaskEvent{
			TaskID:      report.TaskID,
			Status:      domain.TaskStatusCompleted,
			CollectorID: &report.CollectorID,
		})
	} else if task.Status != domain.TaskStatusCompleted {
		return nil, store.ErrInvalidTransition
	}

	if task.CostEstimate <= 0 {
		return nil, nil
	}

	wallet, err := s.repo.FindOrCreateWallet(ctx, report.CollectorID, s.cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve wallet: %w", err)
	}
	memo := fmt.Sprintf("Earning for %s", task.SiteName)
	if report.Notes != nil && *report.Notes != "" {
		memo = *report.Notes
	}
	entry, created, err := s.repo.CreateLedgerEntry(ctx, &domain.LedgerEntry{
		ID:       uuid.New(),
		WalletID: wallet.ID,
		Amount:   task.CostEstimate,
		Type:     domain.EntryTypeEarning,
		Status:   domain.EntryStatusPending,
		TaskID:   &report.TaskID,
		Memo:     &memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create earning entry: %w", err)
	}

	// Only the delivery that actually created the earning moves the budget,
	// so re-delivery cannot double-spend.
	if created && task.BudgetID != nil {
		budget, err := s.repo.ApplyBudgetSpend(ctx, *task.BudgetID, task.CostEstimate)
		if err != nil {
			log.Printf("level=error component=dispatch msg=\"failed to apply budget spend\" task_id=%s budget_id=%s err=%v", task.ID, *task.BudgetID, err)
		} else if budget.Status != domain.BudgetStatusOK {
			s.publishBudgetEvent(ctx, domain.EventBudgetWarning, budget, fmt.Sprintf("spend for task %s", task.ID))
		}
	}
	return entry, nil
}

// ApproveEarning posts the pending earning for a completed task, making it
// part of the wallet balance.
func (s *Service) ApproveEarning(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	entry, balance, err := s.repo.PostLedgerEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger msg=\"entry posted\" entry_id=%s wallet_id=%s amount=%d balance=%d", entry.ID, entry.WalletID, entry.Amount, balance)
	s.publishWalletEvent(ctx, domain.WalletEvent{
		WalletID: entry.WalletID,
		EntryID:  entry.ID,
		Type:     entry.Type,
		Amount:   entry.Amount,
		Balance:  balance,
		TaskID:   entry.TaskID,
	})
	return entry, nil
}

// RejectEarning fails a pending earning and gives its reservation back to the
// budget. Used when a completion report is rejected during review.
func (s *Service) RejectEarning(ctx context.Context, entryID uuid.UUID) error {
	entry, err := s.repo.FindLedgerEntryByID(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.repo.MarkLedgerEntryFailed(ctx, entryID); err != nil {
		return err
	}
	if entry.TaskID != nil {
		if task, tErr := s.repo.FindTaskByID(ctx, *entry.TaskID); tErr == nil && task.BudgetID != nil {
			// Spend was applied at completion; rejecting the earning gives the
			// funds back to the allocation.
			if _, rErr := s.repo.RevertBudgetSpend(ctx, *task.BudgetID, task.CostEstimate); rErr != nil {
				log.Printf("level=error component=ledger msg=\"failed to revert budget spend\" task_id=%s err=%v", task.ID, rErr)
			}
		}
	}
	return nil
}

// CancelTask cancels a non-terminal task, voids its open offer, and releases
// any budget reservation held by an active assignment.
func (s *Service) CancelTask(ctx context.Context, taskID uuid.UUID, reason string) (*domain.Task, error) {
	before, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task, voided, err := s.repo.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.stopOfferTimer(taskID)
	if voided != nil {
		log.Printf("level=info component=dispatch msg=\"open offer voided by cancellation\" task_id=%s offer_id=%s", taskID, voided.ID)
	}

	reserved := before.Status == domain.TaskStatusClaimed ||
		before.Status == domain.TaskStatusAssigned ||
		before.Status == domain.TaskStatusInProgress
	if reserved && task.BudgetID != nil && task.CostEstimate > 0 {
		if _, err := s.repo.ReleaseBudgetFunds(ctx, *task.BudgetID, task.CostEstimate); err != nil {
			log.Printf("level=error component=dispatch msg=\"failed to release budget on cancel\" task_id=%s budget_id=%s err=%v", taskID, *task.BudgetID, err)
		}
	}

	log.Printf("level=info component=dispatch msg=\"task cancelled\" task_id=%s reason=%q", taskID, reason)
	s.publishTaskEvent(ctx, domain.EventTaskCancelled, domain.TaskEvent{
		TaskID:      taskID,
		Status:      domain.TaskStatusCancelled,
		CollectorID: task.AssigneeID,
		Reason:      reason,
	})
	return task, nil
}
