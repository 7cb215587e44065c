/**
 * @description
 * Offer lifecycle orchestration: issuing a timed offer to the best-ranked
 * candidate, handling accept and decline responses, and expiring offers whose
 * countdown ran out. Expiry is driven by an in-process timer per offer, backed
 * by a cron sweep that catches offers whose timer was lost to a restart.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/ranker"
	"github.com/fieldops/dispatch-service/internal/store"
)

// OfferTask issues a timed offer for the task to the best-ranked candidate who
// has not been offered it in the current round. When every candidate has been
// exhausted the task reverts to pending, the round counter advances, and a
// task.offer.exhausted event asks for operator attention.
func (s *Service) OfferTask(ctx context.Context, taskID uuid.UUID) (*domain.Offer, error) {
	task, err := s.repo.FindTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusPending && task.Status != domain.TaskStatusOffered {
		return nil, store.ErrInvalidTransition
	}
	if open, err := s.repo.FindOpenOfferByTask(ctx, taskID); err == nil && open != nil {
		return nil, store.ErrOfferAlreadyActive
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check open offer: %w", err)
	}

	next, err := s.nextCandidate(ctx, task)
	if err != nil {
		if errors.Is(err, ErrNoCandidates) {
			return nil, s.markRoundExhausted(ctx, task)
		}
		return nil, err
	}

	changed, err := s.repo.TransitionTaskStatus(ctx, taskID,
		[]string{domain.TaskStatusPending, domain.TaskStatusOffered}, domain.TaskStatusOffered)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task offered: %w", err)
	}
	if !changed {
		return nil, store.ErrInvalidTransition
	}

	now := s.now()
	offer := &domain.Offer{
		ID:          uuid.New(),
		TaskID:      taskID,
		CollectorID: next.Collector.ID,
		Round:       task.OfferRound,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.offerTimeout()),
	}
	if err := s.repo.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	s.scheduleOfferExpiry(offer)
	log.Printf("level=info component=dispatch msg=\"offer issued\" task_id=%s offer_id=%s collector_id=%s round=%d expires_at=%s",
		taskID, offer.ID, offer.CollectorID, offer.Round, offer.ExpiresAt.Format(time.RFC3339))
	s.publishTaskEvent(ctx, domain.EventTaskOfferCreated, domain.TaskEvent{
		TaskID:      taskID,
		Status:      domain.TaskStatusOffered,
		CollectorID: &offer.CollectorID,
		OfferID:     &offer.ID,
	})
	return offer, nil
}

// nextCandidate ranks the current pool and returns the best candidate not yet
// offered this round. Overloaded collectors stay eligible; they simply rank
// behind everyone who still has capacity.
func (s *Service) nextCandidate(ctx context.Context, task *domain.Task) (*ranker.CollectorMatch, error) {
	candidates, err := s.repo.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	offered, err := s.repo.ListOfferedCollectorIDs(ctx, task.ID, task.OfferRound)
	if err != nil {
		return nil, fmt.Errorf("failed to list offered collectors: %w", err)
	}
	skip := make(map[uuid.UUID]bool, len(offered)+1)
	for _, id := range offered {
		skip[id] = true
	}

	ranked := ranker.Rank(ranker.SiteFromTask(task), s.applyLocationStaleness(candidates), s.rankerConfig())
	for i := range ranked {
		if !skip[ranked[i].Collector.ID] {
			return &ranked[i], nil
		}
	}
	return nil, ErrNoCandidates
}

func (s *Service) markRoundExhausted(ctx context.Context, task *domain.Task) error {
	reverted, err := s.repo.TransitionTaskStatus(ctx, task.ID,
		[]string{domain.TaskStatusOffered}, domain.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("failed to revert exhausted task: %w", err)
	}
	// A task that never left pending has no round to close out; advancing the
	// counter here would burn a round in which nobody was offered.
	if !reverted {
		return ErrNoCandidates
	}
	round, err := s.repo.IncrementTaskOfferRound(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to advance offer round: %w", err)
	}
	log.Printf("level=warn component=dispatch msg=\"offer round exhausted\" task_id=%s next_round=%d", task.ID, round)
	s.publishTaskEvent(ctx, domain.EventTaskOfferExhaust, domain.TaskEvent{
		TaskID: task.ID,
		Status: domain.TaskStatusPending,
		Reason: fmt.Sprintf("no eligible candidates in round %d", task.OfferRound),
	})
	return ErrNoCandidates
}

// AcceptOffer resolves an open offer in the collector's favor by running the
// same atomic claim path a direct claim uses. A late accept on an expired offer
// is refused and the expiry flow runs immediately instead of waiting for the
// sweep.
func (s *Service) AcceptOffer(ctx context.Context, offerID, collectorID uuid.UUID) (*domain.ClaimResult, error) {
	offer, err := s.repo.FindOfferByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Open() {
		return nil, ErrOfferNotOpen
	}
	if offer.CollectorID != collectorID {
		return nil, ErrNotOfferee
	}
	if s.now().After(offer.ExpiresAt) {
		s.expireOffer(ctx, offer.ID)
		return nil, ErrOfferExpired
	}
	return s.resolveClaim(ctx, offer.TaskID, collectorID)
}

// DeclineOffer closes an open offer and immediately re-offers the task to the
// next candidate in the round.
func (s *Service) DeclineOffer(ctx context.Context, offerID, collectorID uuid.UUID) error {
	offer, err := s.repo.FindOfferByID(ctx, offerID)
	if err != nil {
		return err
	}
	if !offer.Open() {
		return ErrOfferNotOpen
	}
	if offer.CollectorID != collectorID {
		return ErrNotOfferee
	}

	changed, err := s.repo.CloseOffer(ctx, offerID, domain.OfferOutcomeDeclined, s.now())
	if err != nil {
		return fmt.Errorf("failed to close declined offer: %w", err)
	}
	if !changed {
		return ErrOfferNotOpen
	}
	s.stopOfferTimer(offer.TaskID)

	log.Printf("level=info component=dispatch msg=\"offer declined\" task_id=%s offer_id=%s collector_id=%s", offer.TaskID, offerID, collectorID)
	s.publishTaskEvent(ctx, domain.EventTaskOfferDeclined, domain.TaskEvent{
		TaskID:      offer.TaskID,
		Status:      domain.TaskStatusOffered,
		CollectorID: &collectorID,
		OfferID:     &offer.ID,
	})

	if _, err := s.OfferTask(ctx, offer.TaskID); err != nil && !errors.Is(err, ErrNoCandidates) {
		return fmt.Errorf("failed to re-offer after decline: %w", err)
	}
	return nil
}

// scheduleOfferExpiry arms the in-process countdown for an offer. At most one
// timer exists per task since at most one offer is open per task.
func (s *Service) scheduleOfferExpiry(offer *domain.Offer) {
	delay := offer.ExpiresAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	offerID := offer.ID
	taskID := offer.TaskID

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if prev, ok := s.offerTimers[taskID]; ok {
		prev.Stop()
	}
	s.offerTimers[taskID] = time.AfterFunc(delay, func() {
		s.stopOfferTimer(taskID)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.expireOffer(ctx, offerID)
	})
}

func (s *Service) stopOfferTimer(taskID uuid.UUID) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.offerTimers[taskID]; ok {
		t.Stop()
		delete(s.offerTimers, taskID)
	}
}

// expireOffer closes an offer as timed out and re-offers the task. The
// CloseOffer CAS makes this safe to race with an accept, a decline, or the
// sweep: only the caller that actually flips the outcome proceeds.
func (s *Service) expireOffer(ctx context.Context, offerID uuid.UUID) {
	offer, err := s.repo.FindOfferByID(ctx, offerID)
	if err != nil {
		log.Printf("level=warn component=dispatch msg=\"expiry lookup failed\" offer_id=%s err=%v", offerID, err)
		return
	}
	if !offer.Open() {
		return
	}

	changed, err := s.repo.CloseOffer(ctx, offerID, domain.OfferOutcomeTimedOut, s.now())
	if err != nil {
		log.Printf("level=error component=dispatch msg=\"failed to close expired offer\" offer_id=%s err=%v", offerID, err)
		return
	}
	if !changed {
		return
	}
	s.stopOfferTimer(offer.TaskID)

	log.Printf("level=info component=dispatch msg=\"offer timed out\" task_id=%s offer_id=%s collector_id=%s", offer.TaskID, offerID, offer.CollectorID)
	s.publishTaskEvent(ctx, domain.EventTaskOfferTimedOut, domain.TaskEvent{
		TaskID:      offer.TaskID,
		Status:      domain.TaskStatusOffered,
		CollectorID: &offer.CollectorID,
		OfferID:     &offer.ID,
	})

	if _, err := s.OfferTask(ctx, offer.TaskID); err != nil && !errors.Is(err, ErrNoCandidates) {
		log.Printf("level=error component=dispatch msg=\"re-offer after timeout failed\" task_id=%s err=%v", offer.TaskID, err)
	}
}

// SweepExpiredOffers expires every open offer whose deadline has passed. Run
// from cron so that offers survive a process restart losing their timers.
func (s *Service) SweepExpiredOffers(ctx context.Context) error {
	expired, err := s.repo.ListExpiredOpenOffers(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to list expired offers: %w", err)
	}
	for i := range expired {
		s.expireOffer(ctx, expired[i].ID)
	}
	if len(expired) > 0 {
		log.Printf("level=info component=dispatch msg=\"offer sweep completed\" expired=%d", len(expired))
	}
	return nil
}

// StopTimers cancels all in-process offer timers. Called on shutdown.
func (s *Service) StopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for taskID, t := range s.offerTimers {
		t.Stop()
		delete(s.offerTimers, taskID)
	}
}
