/**
 * @description
 * Cron scheduler for the offer expiry sweep. In-process timers handle the
 * common case; the sweep is the restart-safe backstop that expires any open
 * offer whose timer died with a previous process.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron *cron.Cron
	svc  *Service
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(svc *Service) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron: c,
		svc:  svc,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	schedule := s.svc.cfg.OfferSweepSchedule
	if _, err := s.cron.AddFunc(schedule, s.runOfferSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule offer sweep\" schedule=%q err=%v", schedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled offer sweep\" schedule=%q", schedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runOfferSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := s.svc.SweepExpiredOffers(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"offer sweep failed\" err=%v", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
