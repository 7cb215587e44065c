/**
 * @description
 * This file contains the HTTP handlers for the dispatch-service's task and claim
 * endpoints. Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP response.
 * They act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldops/dispatch-service/internal/app"
	"github.com/fieldops/dispatch-service/internal/domain"
	"github.com/fieldops/dispatch-service/internal/store"
)

// DispatchHandlers holds the application service that handlers will use.
type DispatchHandlers struct {
	service *app.Service
}

// NewDispatchHandlers creates the handler set around the application service.
func NewDispatchHandlers(service *app.Service) *DispatchHandlers {
	return &DispatchHandlers{service: service}
}

func (h *DispatchHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *DispatchHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// authenticatedCollectorID resolves the caller's collector id from the JWT
// subject placed in the context by AuthMiddleware.
func (h *DispatchHandlers) authenticatedCollectorID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetCollectorID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get collector ID from context")
		return uuid.Nil, false
	}
	collectorID, err := uuid.Parse(subject)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid collector identity")
		return uuid.Nil, false
	}
	return collectorID, true
}

func (h *DispatchHandlers) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", param))
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError maps sentinel errors onto HTTP statuses. Anything
// unmapped is a 500 with a generic body; the detail stays in the logs.
func (h *DispatchHandlers) handleServiceError(w http.ResponseWriter, err error) {
	var rle *app.RateLimitError
	switch {
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many claim attempts. Slow down and try again.")
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "The resource is not in a state that allows this operation")
	case errors.Is(err, store.ErrOfferAlreadyActive):
		h.writeError(w, http.StatusConflict, "The task already has an open offer")
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusUnprocessableEntity, "Wallet balance is insufficient")
	case errors.Is(err, store.ErrBudgetExceeded):
		h.writeError(w, http.StatusConflict, "Budget allocation exceeded")
	case errors.Is(err, store.ErrEntryNotPending), errors.Is(err, store.ErrEntryNotPosted):
		h.writeError(w, http.StatusConflict, "Ledger entry is not in the required status")
	case errors.Is(err, app.ErrOfferNotOpen):
		h.writeError(w, http.StatusConflict, "The offer has already been resolved")
	case errors.Is(err, app.ErrOfferExpired):
		h.writeError(w, http.StatusConflict, "The offer has expired")
	case errors.Is(err, app.ErrNotOfferee):
		h.writeError(w, http.StatusForbidden, "This offer was made to another collector")
	case errors.Is(err, app.ErrNoCandidates):
		h.writeError(w, http.StatusConflict, "No eligible candidates remain for this task")
	case errors.Is(err, app.ErrInvalidLocation):
		h.writeError(w, http.StatusBadRequest, "Latitude or longitude out of range")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must be positive")
	case errors.Is(err, app.ErrMissingReason):
		h.writeError(w, http.StatusBadRequest, "A reason is required")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// ListTasksHandler returns tasks by status for the task feed. Defaults to the
// claimable pool.
func (h *DispatchHandlers) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.TaskStatusOffered
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	tasks, err := h.service.ListTasks(r.Context(), status, limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// GetTaskHandler returns a single task.
func (h *DispatchHandlers) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// ClaimTaskHandler resolves a direct claim from the task feed. Losing outcomes
// are 409s carrying a machine-readable error code so the client can react
// without string matching.
func (h *DispatchHandlers) ClaimTaskHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	result, err := h.service.SubmitClaim(r.Context(), taskID, collectorID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !result.Success {
		h.writeJSON(w, http.StatusConflict, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AcceptOfferHandler resolves an open offer in the caller's favor.
func (h *DispatchHandlers) AcceptOfferHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathUUID(w, r, "offerID")
	if !ok {
		return
	}

	result, err := h.service.AcceptOffer(r.Context(), offerID, collectorID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !result.Success {
		h.writeJSON(w, http.StatusConflict, result)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// DeclineOfferHandler declines an open offer; the engine re-offers the task
// to the next candidate immediately.
func (h *DispatchHandlers) DeclineOfferHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathUUID(w, r, "offerID")
	if !ok {
		return
	}

	if err := h.service.DeclineOffer(r.Context(), offerID, collectorID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// StartFieldworkHandler moves the caller's assigned task into in_progress.
func (h *DispatchHandlers) StartFieldworkHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	if err := h.service.StartFieldwork(r.Context(), taskID, collectorID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.TaskStatusInProgress})
}

type completionRequest struct {
	Notes *string `json:"notes,omitempty"`
}

// CompleteTaskHandler reports the caller's fieldwork as done. The response
// includes the pending earning entry when the task carries a cost.
func (h *DispatchHandlers) CompleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}

	var req completionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	entry, err := h.service.ReportCompletion(r.Context(), domain.CompletionReport{
		TaskID:      taskID,
		CollectorID: collectorID,
		Notes:       req.Notes,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  domain.TaskStatusCompleted,
		"earning": entry,
	})
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// UpdateLocationHandler records the caller's position report.
func (h *DispatchHandlers) UpdateLocationHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	err := h.service.UpdateCollectorLocation(r.Context(), collectorID, domain.LocationUpdate{
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type availabilityRequest struct {
	Availability string `json:"availability"`
}

// UpdateAvailabilityHandler flips the caller between online, busy, and offline.
func (h *DispatchHandlers) UpdateAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.service.SetCollectorAvailability(r.Context(), collectorID, strings.ToLower(strings.TrimSpace(req.Availability))); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.handleServiceError(w, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, "Availability must be online, busy, or offline")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"availability": req.Availability})
}

type createTaskRequest struct {
	SiteName     string   `json:"site_name"`
	SiteCode     *string  `json:"site_code,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	StateID      string   `json:"state_id"`
	LocalityID   string   `json:"locality_id"`
	CostEstimate int64    `json:"cost_estimate"`
	BudgetID     *string  `json:"budget_id,omitempty"`
}

// CreateTaskHandler registers a new pending task (internal callers only).
func (h *DispatchHandlers) CreateTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SiteName) == "" || strings.TrimSpace(req.StateID) == "" || strings.TrimSpace(req.LocalityID) == "" {
		h.writeError(w, http.StatusBadRequest, "site_name, state_id and locality_id are required")
		return
	}

	task := &domain.Task{
		SiteName:     strings.TrimSpace(req.SiteName),
		SiteCode:     req.SiteCode,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		StateID:      req.StateID,
		LocalityID:   req.LocalityID,
		CostEstimate: req.CostEstimate,
	}
	if req.BudgetID != nil {
		budgetID, err := uuid.Parse(*req.BudgetID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid budget_id")
			return
		}
		task.BudgetID = &budgetID
	}

	created, err := h.service.CreateTask(r.Context(), task)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// OfferTaskHandler starts (or continues) dispatch for a task.
func (h *DispatchHandlers) OfferTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	offer, err := h.service.OfferTask(r.Context(), taskID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, offer)
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

// CancelTaskHandler cancels a non-terminal task (internal callers only).
func (h *DispatchHandlers) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	var req cancelTaskRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	task, err := h.service.CancelTask(r.Context(), taskID, req.Reason)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// ListCandidatesHandler returns the ranked candidate list for a task.
func (h *DispatchHandlers) ListCandidatesHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	matches, err := h.service.RankCandidatesForTask(r.Context(), taskID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": matches})
}

// ListClaimAttemptsHandler returns the claim audit trail for a task.
func (h *DispatchHandlers) ListClaimAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	attempts, err := h.service.ListClaimAttempts(r.Context(), taskID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}
