/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. This file
 * covers tasks, collectors, claim resolution, and offers; the ledger and budget
 * methods live in postgres_ledger.go and postgres_budget.go.
 *
 * Claim resolution is the one place the engine relies on row-level locking:
 * the claimable check and the assignment write happen inside a single
 * transaction holding `FOR UPDATE NOWAIT` on the task row, so at most one
 * concurrent claimant can commit. Lock contention surfaces as ErrClaimInProgress
 * rather than blocking the caller.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldops/dispatch-service/internal/domain"
)

// PostgresRepository provides data access against a pgx connection pool.
type PostgresRepository struct {
	db               *pgxpool.Pool
	warningThreshold float64
}

// NewPostgresRepository creates a repository. warningThreshold is the budget
// utilization fraction at which status flips from ok to warning.
func NewPostgresRepository(db *pgxpool.Pool, warningThreshold float64) *PostgresRepository {
	if warningThreshold <= 0 || warningThreshold > 1 {
		warningThreshold = 0.8
	}
	return &PostgresRepository{db: db, warningThreshold: warningThreshold}
}

// Postgres error codes the claim path cares about.
const (
	pgCodeLockNotAvailable    = "55P03"
	pgCodeSerializationFailed = "40001"
	pgCodeDeadlockDetected    = "40P01"
	pgCodeUniqueViolation     = "23505"
)

// isLockContention reports whether err means another transaction holds the row.
func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgCodeLockNotAvailable, pgCodeSerializationFailed, pgCodeDeadlockDetected:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation
}

const taskColumns = `
	id, site_name, site_code, latitude, longitude, state_id, locality_id,
	due_date, status, assignee_id, claim_token, cost_estimate, budget_id,
	offer_round, created_at, updated_at
`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.SiteName, &t.SiteCode, &t.Latitude, &t.Longitude, &t.StateID,
		&t.LocalityID, &t.DueDate, &t.Status, &t.AssigneeID, &t.ClaimToken,
		&t.CostEstimate, &t.BudgetID, &t.OfferRound, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a task from the planning import in pending status.
func (r *PostgresRepository) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	query := `
		INSERT INTO tasks (
			id, site_name, site_code, latitude, longitude, state_id, locality_id,
			due_date, status, cost_estimate, budget_id, offer_round, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		task.ID, task.SiteName, task.SiteCode, task.Latitude, task.Longitude,
		task.StateID, task.LocalityID, task.DueDate, task.Status,
		task.CostEstimate, task.BudgetID,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, taskID))
}

// TransitionTaskStatus performs a compare-and-set on task status.
func (r *PostgresRepository) TransitionTaskStatus(ctx context.Context, taskID uuid.UUID, from []string, to string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`
	tag, err := r.db.Exec(ctx, query, to, taskID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition task status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListTasksByStatus(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY due_date NULLS LAST, created_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ClaimTask performs the atomic claim check-and-set. See the file header for
// the locking strategy. A naive read-then-write here would be a race.
func (r *PostgresRepository) ClaimTask(ctx context.Context, taskID, collectorID uuid.UUID) (*domain.Task, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the task row without waiting. Contention means another claim is
	//    mid-transaction; the caller retries shortly.
	var status string
	var assigneeID *uuid.UUID
	lockQuery := `
		SELECT status, assignee_id
		FROM tasks
		WHERE id = $1
		FOR UPDATE NOWAIT
	`
	err = tx.QueryRow(ctx, lockQuery, taskID).Scan(&status, &assigneeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isLockContention(err) {
			return nil, ErrClaimInProgress
		}
		return nil, fmt.Errorf("failed to lock task for claim: %w", err)
	}

	// 2. Validate the task is still claimable.
	switch status {
	case domain.TaskStatusOffered:
		// claimable
	case domain.TaskStatusClaimed, domain.TaskStatusAssigned, domain.TaskStatusInProgress:
		return nil, ErrTaskAlreadyClaimed
	default:
		return nil, ErrTaskNotClaimable
	}

	// 3. Assign the collector and flip status in the same transaction.
	claimToken := uuid.New()
	updateQuery := `
		UPDATE tasks
		SET status = $1, assignee_id = $2, claim_token = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING ` + taskColumns + `
	`
	task, err := scanTask(tx.QueryRow(ctx, updateQuery, domain.TaskStatusClaimed, collectorID, claimToken, taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to assign task during claim: %w", err)
	}

	// 4. Close the open offer as accepted. The winner may differ from the
	//    offered collector when claims race; the offer record keeps the
	//    original addressee, the task keeps the actual assignee.
	closeOfferQuery := `
		UPDATE task_offers
		SET outcome = $1, responded_at = NOW()
		WHERE task_id = $2 AND outcome IS NULL
	`
	if _, err := tx.Exec(ctx, closeOfferQuery, domain.OfferOutcomeAccepted, taskID); err != nil {
		return nil, fmt.Errorf("failed to close offer during claim: %w", err)
	}

	// 5. Append the winning claim attempt inside the same transaction so a won
	//    claim and its audit record commit together.
	attemptQuery := `
		INSERT INTO claim_attempts (id, task_id, collector_id, outcome, attempted_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := tx.Exec(ctx, attemptQuery, uuid.New(), taskID, collectorID, domain.ClaimOutcomeWon); err != nil {
		return nil, fmt.Errorf("failed to record winning claim attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isLockContention(err) {
			return nil, ErrClaimInProgress
		}
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return task, nil
}

// ReleaseClaim reverts a claimed task to pending, clearing assignment state.
// Used when the budget check denies the assignment.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, taskID uuid.UUID) error {
	query := `
		UPDATE tasks
		SET status = $1, assignee_id = NULL, claim_token = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.TaskStatusPending, taskID, domain.TaskStatusClaimed)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkTaskAssigned commits claimed -> assigned for the claiming collector.
func (r *PostgresRepository) MarkTaskAssigned(ctx context.Context, taskID, collectorID uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND assignee_id = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.TaskStatusAssigned, taskID, domain.TaskStatusClaimed, collectorID)
	if err != nil {
		return false, fmt.Errorf("failed to mark task assigned: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelTask cancels a non-terminal task and voids any open offer atomically,
// so cancellation never leaves a dangling countdown.
func (r *PostgresRepository) CancelTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, *domain.Offer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cancelQuery := `
		UPDATE tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)
		RETURNING ` + taskColumns + `
	`
	task, err := scanTask(tx.QueryRow(ctx, cancelQuery,
		domain.TaskStatusCancelled, taskID, domain.TaskStatusCompleted, domain.TaskStatusCancelled))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidTransition
		}
		return nil, nil, fmt.Errorf("failed to cancel task: %w", err)
	}

	var voided *domain.Offer
	voidQuery := `
		UPDATE task_offers
		SET outcome = $1, responded_at = NOW()
		WHERE task_id = $2 AND outcome IS NULL
		RETURNING id, task_id, collector_id, round, issued_at, expires_at, outcome, responded_at
	`
	var o domain.Offer
	err = tx.QueryRow(ctx, voidQuery, domain.OfferOutcomeTimedOut, taskID).Scan(
		&o.ID, &o.TaskID, &o.CollectorID, &o.Round, &o.IssuedAt, &o.ExpiresAt, &o.Outcome, &o.RespondedAt,
	)
	if err == nil {
		voided = &o
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to void open offer on cancel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return task, voided, nil
}

// RecordClaimAttempt appends a claim attempt audit record. Losing outcomes are
// recorded outside the (failed) claim transaction.
func (r *PostgresRepository) RecordClaimAttempt(ctx context.Context, attempt *domain.ClaimAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	query := `
		INSERT INTO claim_attempts (id, task_id, collector_id, outcome, attempted_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING attempted_at
	`
	err := r.db.QueryRow(ctx, query, attempt.ID, attempt.TaskID, attempt.CollectorID, attempt.Outcome).
		Scan(&attempt.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to record claim attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListClaimAttemptsByTask(ctx context.Context, taskID uuid.UUID) ([]domain.ClaimAttempt, error) {
	query := `
		SELECT id, task_id, collector_id, outcome, attempted_at
		FROM claim_attempts
		WHERE task_id = $1
		ORDER BY attempted_at
	`
	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.ClaimAttempt
	for rows.Next() {
		var a domain.ClaimAttempt
		if err := rows.Scan(&a.ID, &a.TaskID, &a.CollectorID, &a.Outcome, &a.AttemptedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *PostgresRepository) FindCollectorByID(ctx context.Context, collectorID uuid.UUID) (*domain.Collector, error) {
	query := `
		SELECT id, name, state_id, locality_id, availability, active,
		       latitude, longitude, location_updated_at, created_at, updated_at
		FROM collectors
		WHERE id = $1
	`
	var c domain.Collector
	err := r.db.QueryRow(ctx, query, collectorID).Scan(
		&c.ID, &c.Name, &c.StateID, &c.LocalityID, &c.Availability, &c.Active,
		&c.Latitude, &c.Longitude, &c.LocationUpdatedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find collector: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) UpdateCollectorLocation(ctx context.Context, collectorID uuid.UUID, lat, lon float64, at time.Time) error {
	query := `
		UPDATE collectors
		SET latitude = $1, longitude = $2, location_updated_at = $3, updated_at = NOW()
		WHERE id = $4 AND active
	`
	tag, err := r.db.Exec(ctx, query, lat, lon, at, collectorID)
	if err != nil {
		return fmt.Errorf("failed to update collector location: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateCollectorAvailability(ctx context.Context, collectorID uuid.UUID, availability string) error {
	query := `
		UPDATE collectors
		SET availability = $1, updated_at = NOW()
		WHERE id = $2 AND active
	`
	tag, err := r.db.Exec(ctx, query, availability, collectorID)
	if err != nil {
		return fmt.Errorf("failed to update collector availability: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// ListCandidates returns active online collectors with their open-task counts.
// Workload counts claimed, assigned, and in-progress tasks only.
func (r *PostgresRepository) ListCandidates(ctx context.Context) ([]domain.Candidate, error) {
	query := `
		SELECT c.id, c.name, c.state_id, c.locality_id, c.availability, c.active,
		       c.latitude, c.longitude, c.location_updated_at, c.created_at, c.updated_at,
		       COUNT(t.id) FILTER (WHERE t.status IN ($1, $2, $3)) AS workload
		FROM collectors c
		LEFT JOIN tasks t ON t.assignee_id = c.id
		WHERE c.active AND c.availability = $4
		GROUP BY c.id
	`
	rows, err := r.db.Query(ctx, query,
		domain.TaskStatusClaimed, domain.TaskStatusAssigned, domain.TaskStatusInProgress,
		domain.AvailabilityOnline,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []domain.Candidate
	for rows.Next() {
		var cand domain.Candidate
		c := &cand.Collector
		if err := rows.Scan(
			&c.ID, &c.Name, &c.StateID, &c.LocalityID, &c.Availability, &c.Active,
			&c.Latitude, &c.Longitude, &c.LocationUpdatedAt, &c.CreatedAt, &c.UpdatedAt,
			&cand.Workload,
		); err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// CreateOffer inserts an offer. The partial unique index on open offers makes a
// second open offer for the same task fail with a unique violation.
func (r *PostgresRepository) CreateOffer(ctx context.Context, offer *domain.Offer) error {
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	query := `
		INSERT INTO task_offers (id, task_id, collector_id, round, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, offer.ID, offer.TaskID, offer.CollectorID, offer.Round, offer.IssuedAt, offer.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOfferAlreadyActive
		}
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

const offerColumns = `id, task_id, collector_id, round, issued_at, expires_at, outcome, responded_at`

func scanOffer(row pgx.Row) (*domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(&o.ID, &o.TaskID, &o.CollectorID, &o.Round, &o.IssuedAt, &o.ExpiresAt, &o.Outcome, &o.RespondedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PostgresRepository) FindOfferByID(ctx context.Context, offerID uuid.UUID) (*domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM task_offers WHERE id = $1`
	return scanOffer(r.db.QueryRow(ctx, query, offerID))
}

func (r *PostgresRepository) FindOpenOfferByTask(ctx context.Context, taskID uuid.UUID) (*domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM task_offers WHERE task_id = $1 AND outcome IS NULL`
	return scanOffer(r.db.QueryRow(ctx, query, taskID))
}

// CloseOffer resolves an open offer. The outcome guard makes close idempotent:
// a timer firing after an explicit decline changes nothing.
func (r *PostgresRepository) CloseOffer(ctx context.Context, offerID uuid.UUID, outcome string, respondedAt time.Time) (bool, error) {
	query := `
		UPDATE task_offers
		SET outcome = $1, responded_at = $2
		WHERE id = $3 AND outcome IS NULL
	`
	tag, err := r.db.Exec(ctx, query, outcome, respondedAt, offerID)
	if err != nil {
		return false, fmt.Errorf("failed to close offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListExpiredOpenOffers(ctx context.Context, asOf time.Time) ([]domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM task_offers WHERE outcome IS NULL AND expires_at <= $1`
	rows, err := r.db.Query(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired offers: %w", err)
	}
	defer rows.Close()

	var offers []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (r *PostgresRepository) ListOfferedCollectorIDs(ctx context.Context, taskID uuid.UUID, round int) ([]uuid.UUID, error) {
	query := `SELECT collector_id FROM task_offers WHERE task_id = $1 AND round = $2`
	rows, err := r.db.Query(ctx, query, taskID, round)
	if err != nil {
		return nil, fmt.Errorf("failed to list offered collectors: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IncrementTaskOfferRound starts a fresh offer round (after exhaustion) and
// returns the new round number.
func (r *PostgresRepository) IncrementTaskOfferRound(ctx context.Context, taskID uuid.UUID) (int, error) {
	query := `
		UPDATE tasks
		SET offer_round = offer_round + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING offer_round
	`
	var round int
	if err := r.db.QueryRow(ctx, query, taskID).Scan(&round); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment offer round: %w", err)
	}
	return round, nil
}
