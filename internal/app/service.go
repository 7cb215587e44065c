/**
 * @description
 * This file contains the core business logic for the dispatch-service. The `Service`
 * struct orchestrates the assignment lifecycle, coordinating between the database
 * repository, the candidate ranker, the Redis rate limiter, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: candidate ranking, offer issuance, and claims.
 * - Contains the atomic claim resolution flow with its budget reservation step.
 * - Ensures at most one collector wins a contested task, whatever the interleaving.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/ranker, internal/store: Domain models, ranking, data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/config"
	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/ranker"
	"github.com/fieldops/dispatch-service/internal/store"
	"github.com/fieldops/dispatch-service/pkg/rabbitmq"
)

// Errors surfaced by the lifecycle orchestration, on top of the store sentinels.
var (
	ErrNoCandidates    = errors.New("no eligible candidates remain for this task")
	ErrOfferNotOpen    = errors.New("offer has already been resolved")
	ErrOfferExpired    = errors.New("offer has expired")
	ErrNotOfferee      = errors.New("offer belongs to another collector")
	ErrInvalidLocation = errors.New("latitude or longitude out of range")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrMissingReason   = errors.New("a reason is required")
)

// RateLimitError reports a claim attempt rejected by the distributed limiter.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("claim rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// ClaimRateLimiter is the distributed limiter consulted before claim attempts.
type ClaimRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for dispatch.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	rateLimiter   ClaimRateLimiter
	cfg           config.Config

	// now is swapped in tests to pin the clock.
	now func() time.Time

	// offerTimers holds the in-process expiry timer per task. The cron sweep
	// remains authoritative after a restart loses these.
	timerMu     sync.Mutex
	offerTimers map[uuid.UUID]*time.Timer
}

// NewService creates a new dispatch service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, limiter ClaimRateLimiter, cfg config.Config) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		rateLimiter:   limiter,
		cfg:           cfg,
		now:           time.Now,
		offerTimers:   make(map[uuid.UUID]*time.Timer),
	}
}

func (s *Service) rankerConfig() ranker.Config {
	return ranker.Config{
		MaxWorkload:       s.cfg.MaxWorkload,
		NearbyRadiusKm:    s.cfg.NearbyRadiusKm,
		AvgTravelSpeedKmh: s.cfg.AvgTravelSpeedKmh,
	}
}

func (s *Service) offerTimeout() time.Duration {
	return time.Duration(s.cfg.OfferTimeoutSeconds) * time.Second
}

// CreateTask registers a new pending task. Dispatch does not start until
// OfferTask is called for it.
func (s *Service) CreateTask(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.Status = domain.TaskStatusPending
	task.AssigneeID = nil
	task.ClaimToken = nil
	task.OfferRound = 0
	if task.CostEstimate < 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	log.Printf("level=info component=dispatch msg=\"task created\" task_id=%s site=%q", task.ID, task.SiteName)
	return task, nil
}

// GetTask returns a single task.
func (s *Service) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	return s.repo.FindTaskByID(ctx, taskID)
}

// ListTasks returns tasks in a given status.
func (s *Service) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	return s.repo.ListTasksByStatus(ctx, status, limit)
}

// ListClaimAttempts returns the append-only claim audit trail for a task.
func (s *Service) ListClaimAttempts(ctx context.Context, taskID uuid.UUID) ([]domain.ClaimAttempt, error) {
	return s.repo.ListClaimAttemptsByTask(ctx, taskID)
}

// RankCandidatesForTask ranks the current candidate pool against a task's site.
// Collectors whose last position report is older than the staleness window are
// ranked as if they had no position at all.
func (s *Service) RankCandidatesForTask(ctx context.Context, taskID uuid.UUID) ([]ranker.CollectorMatch, error) {
	task, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.repo.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	return ranker.Rank(ranker.SiteFromTask(task), s.applyLocationStaleness(candidates), s.rankerConfig()), nil
}

// applyLocationStaleness blanks coordinates on candidates whose position report
// is older than LOCATION_STALE_MINUTES, so the ranker treats them as unlocated
// rather than pinned to a place they left an hour ago.
func (s *Service) applyLocationStaleness(candidates []domain.Candidate) []domain.Candidate {
	cutoff := s.now().Add(-time.Duration(s.cfg.LocationStaleMinutes) * time.Minute)
	out := make([]domain.Candidate, len(candidates))
	for i, cand := range candidates {
		c := cand.Collector
		if c.LocationUpdatedAt == nil || c.LocationUpdatedAt.Before(cutoff) {
			c.Latitude = nil
			c.Longitude = nil
		}
		out[i] = domain.Candidate{Collector: c, Workload: cand.Workload}
	}
	return out
}

// UpdateCollectorLocation records a collector position report.
func (s *Service) UpdateCollectorLocation(ctx context.Context, collectorID uuid.UUID, update domain.LocationUpdate) error {
	if update.Latitude < -90 || update.Latitude > 90 || update.Longitude < -180 || update.Longitude > 180 {
		return ErrInvalidLocation
	}
	return s.repo.UpdateCollectorLocation(ctx, collectorID, update.Latitude, update.Longitude, s.now())
}

// SetCollectorAvailability flips a collector between online, busy, and offline.
func (s *Service) SetCollectorAvailability(ctx context.Context, collectorID uuid.UUID, availability string) error {
	switch availability {
	case domain.AvailabilityOnline, domain.AvailabilityBusy, domain.AvailabilityOffline:
	default:
		return fmt.Errorf("unknown availability %q", availability)
	}
	return s.repo.UpdateCollectorAvailability(ctx, collectorID, availability)
}

// GetCollector returns a collector profile.
func (s *Service) GetCollector(ctx context.Context, collectorID uuid.UUID) (*domain.Collector, error) {
	return s.repo.FindCollectorByID(ctx, collectorID)
}

// publishTaskEvent pushes a lifecycle fact to the dispatch exchange. Publish
// failures are logged, never propagated: the database is the source of truth
// and downstream consumers tolerate gaps.
func (s *Service) publishTaskEvent(ctx context.Context, routingKey string, event domain.TaskEvent) {
	if s.eventProducer == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.eventProducer.Publish(ctx, s.cfg.DispatchExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=dispatch msg=\"event publish failed\" routing_key=%s task_id=%s err=%v", routingKey, event.TaskID, err)
	}
}

func (s *Service) publishWalletEvent(ctx context.Context, event domain.WalletEvent) {
	if s.eventProducer == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.eventProducer.Publish(ctx, s.cfg.DispatchExchange, domain.EventWalletPosted, event); err != nil {
		log.Printf("level=warn component=dispatch msg=\"event publish failed\" routing_key=%s wallet_id=%s err=%v", domain.EventWalletPosted, event.WalletID, err)
	}
}

func (s *Service) publishBudgetEvent(ctx context.Context, routingKey string, budget *domain.Budget, reason string) {
	if s.eventProducer == nil || budget == nil {
		return
	}
	event := domain.BudgetEvent{
		BudgetID:    budget.ID,
		Status:      budget.Status,
		Allocated:   budget.Allocated,
		Spent:       budget.Spent,
		Committed:   budget.Committed,
		Utilization: budget.Utilization(),
		Reason:      reason,
		Timestamp:   s.now(),
	}
	if err := s.eventProducer.Publish(ctx, s.cfg.DispatchExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=dispatch msg=\"event publish failed\" routing_key=%s budget_id=%s err=%v", routingKey, budget.ID, err)
	}
}
