/**
 * @description
 * HTTP handlers for budget endpoints: creation, inspection, and audited
 * top-ups. All budget routes are internal; collectors never see allocations.
 */

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fieldops/dispatch-service/internal/domain"
)

type createBudgetRequest struct {
	Name      string `json:"name"`
	Scope     string `json:"scope"`
	Currency  string `json:"currency,omitempty"`
	Allocated int64  `json:"allocated"`
}

// CreateBudgetHandler registers a new allocation pool.
func (h *DispatchHandlers) CreateBudgetHandler(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	scope := strings.ToLower(strings.TrimSpace(req.Scope))
	if scope != "plan" && scope != "project" {
		h.writeError(w, http.StatusBadRequest, "scope must be plan or project")
		return
	}

	budget, err := h.service.CreateBudget(r.Context(), &domain.Budget{
		Name:      strings.TrimSpace(req.Name),
		Scope:     scope,
		Currency:  strings.ToUpper(strings.TrimSpace(req.Currency)),
		Allocated: req.Allocated,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, budget)
}

// GetBudgetHandler returns a budget with its derived status and remaining funds.
func (h *DispatchHandlers) GetBudgetHandler(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.pathUUID(w, r, "budgetID")
	if !ok {
		return
	}
	budget, err := h.service.GetBudget(r.Context(), budgetID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"budget":      budget,
		"remaining":   budget.Remaining(),
		"utilization": budget.Utilization(),
	})
}

// TopUpBudgetHandler increases a budget's allocation with a mandatory reason.
func (h *DispatchHandlers) TopUpBudgetHandler(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.pathUUID(w, r, "budgetID")
	if !ok {
		return
	}
	var req domain.TopUpBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	budget, err := h.service.TopUpBudget(r.Context(), budgetID, req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, budget)
}

// ListBudgetTopUpsHandler returns the audited top-up history.
func (h *DispatchHandlers) ListBudgetTopUpsHandler(w http.ResponseWriter, r *http.Request) {
	budgetID, ok := h.pathUUID(w, r, "budgetID")
	if !ok {
		return
	}
	topUps, err := h.service.ListBudgetTopUps(r.Context(), budgetID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"top_ups": topUps})
}
