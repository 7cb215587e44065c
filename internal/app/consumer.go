/**
 * @description
 * Consumer for fieldwork status events reported by the field app backend.
 * Each handler acknowledges malformed payloads (retrying cannot fix them) and
 * nacks transient processing failures so the broker redelivers.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

type FieldworkConsumer struct {
	svc *Service
}

func NewFieldworkConsumer(svc *Service) *FieldworkConsumer {
	return &FieldworkConsumer{svc: svc}
}

// Bindings maps routing keys to handlers for ConsumeWithBindings.
func (c *FieldworkConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.FieldworkVisitStarted:   c.HandleVisitStarted,
		domain.FieldworkVisitCompleted: c.HandleVisitCompleted,
		domain.FieldworkVisitCancelled: c.HandleVisitCancelled,
	}
}

func (c *FieldworkConsumer) decode(body []byte) (*domain.FieldworkEvent, bool) {
	var event domain.FieldworkEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("fieldwork-consumer: failed to unmarshal payload: %v", err)
		return nil, false
	}
	if event.TaskID == uuid.Nil || event.CollectorID == uuid.Nil {
		log.Printf("fieldwork-consumer: missing task or collector id in event %+v", event)
		return nil, false
	}
	return &event, true
}

func (c *FieldworkConsumer) HandleVisitStarted(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.svc.StartFieldwork(ctx, event.TaskID, event.CollectorID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			// Duplicate or out-of-order delivery; the status machine already
			// moved past this event.
			return true
		}
		log.Printf("fieldwork-consumer: start processing error for task %s: %v", event.TaskID, err)
		return false
	}
	return true
}

func (c *FieldworkConsumer) HandleVisitCompleted(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.svc.ReportCompletion(ctx, domain.CompletionReport{
		TaskID:      event.TaskID,
		CollectorID: event.CollectorID,
		CompletedAt: event.OccurredAt,
		Notes:       event.Notes,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return true
		}
		log.Printf("fieldwork-consumer: completion processing error for task %s: %v", event.TaskID, err)
		return false
	}
	return true
}

func (c *FieldworkConsumer) HandleVisitCancelled(body []byte) bool {
	event, ok := c.decode(body)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	reason := "cancelled in the field"
	if event.Notes != nil && *event.Notes != "" {
		reason = *event.Notes
	}
	if _, err := c.svc.CancelTask(ctx, event.TaskID, reason); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return true
		}
		log.Printf("fieldwork-consumer: cancel processing error for task %s: %v", event.TaskID, err)
		return false
	}
	return true
}
