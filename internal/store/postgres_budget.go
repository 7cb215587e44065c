/**
 * @description
 * Budget persistence. All read-modify-write operations on a budget row take a
 * `FOR UPDATE` lock first, so reserve/spend/top-up never interleave and
 * remaining = allocated - spent - committed stays exact under concurrency.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldops/dispatch-service/internal/domain"
)

const budgetColumns = `id, name, scope, currency, allocated, committed, spent, status, created_at, updated_at`

func scanBudget(row pgx.Row) (*domain.Budget, error) {
	var b domain.Budget
	err := row.Scan(&b.ID, &b.Name, &b.Scope, &b.Currency, &b.Allocated, &b.Committed, &b.Spent, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// deriveBudgetStatus computes the status from utilization. Exceeded only when
// consumption actually passes the allocation, warning at the configured
// utilization threshold.
func deriveBudgetStatus(allocated, committed, spent int64, warningThreshold float64) string {
	if spent+committed > allocated {
		return domain.BudgetStatusExceeded
	}
	if allocated > 0 && float64(spent+committed) >= warningThreshold*float64(allocated) {
		return domain.BudgetStatusWarning
	}
	return domain.BudgetStatusOK
}

func (r *PostgresRepository) CreateBudget(ctx context.Context, budget *domain.Budget) error {
	if budget.ID == uuid.Nil {
		budget.ID = uuid.New()
	}
	if budget.Status == "" {
		budget.Status = deriveBudgetStatus(budget.Allocated, budget.Committed, budget.Spent, r.warningThreshold)
	}
	query := `
		INSERT INTO budgets (id, name, scope, currency, allocated, committed, spent, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		budget.ID, budget.Name, budget.Scope, budget.Currency,
		budget.Allocated, budget.Committed, budget.Spent, budget.Status,
	).Scan(&budget.CreatedAt, &budget.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindBudgetByID(ctx context.Context, budgetID uuid.UUID) (*domain.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE id = $1`
	return scanBudget(r.db.QueryRow(ctx, query, budgetID))
}

// lockBudget reads a budget row under FOR UPDATE inside tx.
func lockBudget(ctx context.Context, tx pgx.Tx, budgetID uuid.UUID) (*domain.Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets WHERE id = $1 FOR UPDATE`
	b, err := scanBudget(tx.QueryRow(ctx, query, budgetID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock budget: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) updateBudgetFigures(ctx context.Context, tx pgx.Tx, budgetID uuid.UUID, allocated, committed, spent int64) (*domain.Budget, error) {
	status := deriveBudgetStatus(allocated, committed, spent, r.warningThreshold)
	query := `
		UPDATE budgets
		SET allocated = $1, committed = $2, spent = $3, status = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING ` + budgetColumns + `
	`
	b, err := scanBudget(tx.QueryRow(ctx, query, allocated, committed, spent, status, budgetID))
	if err != nil {
		return nil, fmt.Errorf("failed to update budget figures: %w", err)
	}
	return b, nil
}

// ReserveBudgetFunds earmarks a task's cost against the budget. Under strict
// policy a reservation that would overcommit the allocation is denied with
// ErrBudgetExceeded and nothing changes; under lenient policy it is recorded
// and the status flips to exceeded.
func (r *PostgresRepository) ReserveBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64, strict bool) (*domain.Budget, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reservation amount must be non-negative, got %d", amount)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reserve transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBudget(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}

	if strict && b.Spent+b.Committed+amount > b.Allocated {
		return nil, ErrBudgetExceeded
	}

	updated, err := r.updateBudgetFigures(ctx, tx, budgetID, b.Allocated, b.Committed+amount, b.Spent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reserve: %w", err)
	}
	return updated, nil
}

// ReleaseBudgetFunds returns an earmark to the pool (cancellation path).
func (r *PostgresRepository) ReleaseBudgetFunds(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBudget(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}
	committed := b.Committed - amount
	if committed < 0 {
		committed = 0
	}

	updated, err := r.updateBudgetFigures(ctx, tx, budgetID, b.Allocated, committed, b.Spent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return updated, nil
}

// ApplyBudgetSpend converts an earmark into actual spend when the completed
// task's ledger debit posts.
func (r *PostgresRepository) ApplyBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin spend transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBudget(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}
	committed := b.Committed - amount
	if committed < 0 {
		committed = 0
	}

	updated, err := r.updateBudgetFigures(ctx, tx, budgetID, b.Allocated, committed, b.Spent+amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit spend: %w", err)
	}
	return updated, nil
}

// RevertBudgetSpend returns previously spent funds to the allocation, floored
// at zero. Used when a completed task's earning is rejected in review.
func (r *PostgresRepository) RevertBudgetSpend(ctx context.Context, budgetID uuid.UUID, amount int64) (*domain.Budget, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin spend revert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBudget(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}
	spent := b.Spent - amount
	if spent < 0 {
		spent = 0
	}

	updated, err := r.updateBudgetFigures(ctx, tx, budgetID, b.Allocated, b.Committed, spent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit spend revert: %w", err)
	}
	return updated, nil
}

// TopUpBudget appends an audited top-up and increases the allocation in the
// same transaction. Reason validation happens in the app layer before any
// state is touched; the store still refuses an empty reason outright.
func (r *PostgresRepository) TopUpBudget(ctx context.Context, budgetID uuid.UUID, amount int64, reason string, category *string) (*domain.Budget, error) {
	if reason == "" {
		return nil, fmt.Errorf("top-up reason must not be empty")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("top-up amount must be positive, got %d", amount)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin top-up transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := lockBudget(ctx, tx, budgetID)
	if err != nil {
		return nil, err
	}

	auditQuery := `
		INSERT INTO budget_topups (id, budget_id, amount, reason, category, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := tx.Exec(ctx, auditQuery, uuid.New(), budgetID, amount, reason, category); err != nil {
		return nil, fmt.Errorf("failed to record top-up audit: %w", err)
	}

	updated, err := r.updateBudgetFigures(ctx, tx, budgetID, b.Allocated+amount, b.Committed, b.Spent)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit top-up: %w", err)
	}
	return updated, nil
}

func (r *PostgresRepository) ListBudgetTopUps(ctx context.Context, budgetID uuid.UUID) ([]domain.BudgetTopUp, error) {
	query := `
		SELECT id, budget_id, amount, reason, category, created_at
		FROM budget_topups
		WHERE budget_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget top-ups: %w", err)
	}
	defer rows.Close()

	var topups []domain.BudgetTopUp
	for rows.Next() {
		var t domain.BudgetTopUp
		if err := rows.Scan(&t.ID, &t.BudgetID, &t.Amount, &t.Reason, &t.Category, &t.CreatedAt); err != nil {
			return nil, err
		}
		topups = append(topups, t)
	}
	return topups, rows.Err()
}
