/**
 * @description
 * HTTP handlers for wallet, ledger, and payout endpoints. Collector-facing
 * routes operate on the authenticated caller's wallet; the internal routes
 * drive review decisions (earning approval, payout resolution, adjustments).
 */

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// GetWalletHandler returns the caller's wallet summary.
func (h *DispatchHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetWalletSummary(r.Context(), collectorID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ListWalletEntriesHandler pages through the caller's ledger history.
func (h *DispatchHandlers) ListWalletEntriesHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	limit, offset := 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		offset = parsed
	}

	entries, err := h.service.ListWalletEntries(r.Context(), collectorID, limit, offset)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type payoutRequestBody struct {
	Amount int64  `json:"amount"`
	Method string `json:"method"`
}

// RequestPayoutHandler opens a payout request against the caller's balance.
func (h *DispatchHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.authenticatedCollectorID(w, r)
	if !ok {
		return
	}
	var req payoutRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = "manual"
	}

	payout, err := h.service.RequestPayout(r.Context(), collectorID, req.Amount, method)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, payout)
}

// CancelPayoutHandler withdraws the caller's pending payout request.
func (h *DispatchHandlers) CancelPayoutHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticatedCollectorID(w, r); !ok {
		return
	}
	payoutID, ok := h.pathUUID(w, r, "payoutID")
	if !ok {
		return
	}
	if err := h.service.CancelPayout(r.Context(), payoutID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ApproveEarningHandler posts a pending earning entry (internal callers only).
func (h *DispatchHandlers) ApproveEarningHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathUUID(w, r, "entryID")
	if !ok {
		return
	}
	entry, err := h.service.ApproveEarning(r.Context(), entryID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// RejectEarningHandler fails a pending earning entry (internal callers only).
func (h *DispatchHandlers) RejectEarningHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathUUID(w, r, "entryID")
	if !ok {
		return
	}
	if err := h.service.RejectEarning(r.Context(), entryID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type reversalRequest struct {
	Memo string `json:"memo"`
}

// ReverseEntryHandler reverses a posted ledger entry with a linked reversal.
func (h *DispatchHandlers) ReverseEntryHandler(w http.ResponseWriter, r *http.Request) {
	entryID, ok := h.pathUUID(w, r, "entryID")
	if !ok {
		return
	}
	var req reversalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reversal, err := h.service.ReverseEntry(r.Context(), entryID, req.Memo)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, reversal)
}

type adjustmentRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
}

// PostAdjustmentHandler posts a supervisor wallet adjustment.
func (h *DispatchHandlers) PostAdjustmentHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.pathUUID(w, r, "collectorID")
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	entry, err := h.service.PostManualAdjustment(r.Context(), collectorID, req.Amount, req.Memo)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// RecomputeWalletHandler re-folds a wallet's posted entries and returns the
// authoritative balance.
func (h *DispatchHandlers) RecomputeWalletHandler(w http.ResponseWriter, r *http.Request) {
	collectorID, ok := h.pathUUID(w, r, "collectorID")
	if !ok {
		return
	}
	balance, err := h.service.RecomputeWalletBalance(r.Context(), collectorID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// ResolvePayoutHandler lets internal reviewers approve, decline, or settle a
// payout request.
func (h *DispatchHandlers) ResolvePayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.pathUUID(w, r, "payoutID")
	if !ok {
		return
	}

	var err error
	decision := strings.ToLower(chi.URLParam(r, "decision"))
	switch decision {
	case "approve":
		err = h.service.ApprovePayout(r.Context(), payoutID)
	case "decline":
		err = h.service.DeclinePayout(r.Context(), payoutID)
	case "paid":
		err = h.service.MarkPayoutPaid(r.Context(), payoutID)
	default:
		h.writeError(w, http.StatusBadRequest, "Decision must be approve, decline, or paid")
		return
	}
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": decision})
}
