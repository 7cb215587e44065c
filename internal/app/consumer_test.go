package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

type fieldworkRepoStub struct {
	store.Repository

	task *domain.Task
}

func (s *fieldworkRepoStub) FindTaskByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	if s.task == nil || s.task.ID != taskID {
		return nil, store.ErrNotFound
	}
	t := *s.task
	return &t, nil
}

func (s *fieldworkRepoStub) TransitionTaskStatus(ctx context.Context, taskID uuid.UUID, from []string, to string) (bool, error) {
	for _, f := range from {
		if s.task.Status == f {
			s.task.Status = to
			return true, nil
		}
	}
	return false, nil
}

func fieldworkBody(t *testing.T, taskID, collectorID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(domain.FieldworkEvent{TaskID: taskID, CollectorID: collectorID})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestHandleVisitStarted_TransitionsTask(t *testing.T) {
	collectorID := uuid.New()
	repo := &fieldworkRepoStub{task: &domain.Task{
		ID:         uuid.New(),
		Status:     domain.TaskStatusAssigned,
		AssigneeID: &collectorID,
	}}
	consumer := NewFieldworkConsumer(NewService(repo, nil, nil, testConfig()))

	if !consumer.HandleVisitStarted(fieldworkBody(t, repo.task.ID, collectorID)) {
		t.Fatal("expected the message to be acknowledged")
	}
	if repo.task.Status != domain.TaskStatusInProgress {
		t.Errorf("expected task in_progress, got %s", repo.task.Status)
	}
}

func TestHandleVisitStarted_DuplicateDeliveryAcks(t *testing.T) {
	collectorID := uuid.New()
	repo := &fieldworkRepoStub{task: &domain.Task{
		ID:         uuid.New(),
		Status:     domain.TaskStatusInProgress,
		AssigneeID: &collectorID,
	}}
	consumer := NewFieldworkConsumer(NewService(repo, nil, nil, testConfig()))

	// Already in progress: the transition is a no-op but the broker must not
	// redeliver forever.
	if !consumer.HandleVisitStarted(fieldworkBody(t, repo.task.ID, collectorID)) {
		t.Fatal("expected duplicate delivery to be acknowledged")
	}
}

func TestFieldworkConsumer_MalformedPayloadAcks(t *testing.T) {
	consumer := NewFieldworkConsumer(NewService(&fieldworkRepoStub{}, nil, nil, testConfig()))

	if !consumer.HandleVisitStarted([]byte("{not json")) {
		t.Error("malformed payloads must be acknowledged and dropped")
	}
	if !consumer.HandleVisitCompleted([]byte(`{"task_id":"00000000-0000-0000-0000-000000000000"}`)) {
		t.Error("payloads missing ids must be acknowledged and dropped")
	}
}

func TestFieldworkConsumer_BindingsCoverAllRoutingKeys(t *testing.T) {
	consumer := NewFieldworkConsumer(NewService(&fieldworkRepoStub{}, nil, nil, testConfig()))
	bindings := consumer.Bindings()

	for _, key := range []string{
		domain.FieldworkVisitStarted,
		domain.FieldworkVisitCompleted,
		domain.FieldworkVisitCancelled,
	} {
		if bindings[key] == nil {
			t.Errorf("missing binding for %s", key)
		}
	}
}
