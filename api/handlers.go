/*
handlers.go - HTTP API handlers for the donation allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Pledges:
    GET    /api/pledges                 List pledges
    POST   /api/pledges                 Submit a pledge (pending)
    POST   /api/pledges/{id}/increase   Submit a pledge-increase request
    POST   /api/pledges/{id}/approve    Approve: counters + cells + batch
    POST   /api/pledges/{id}/reject     Reject (rolls back if approved)

  Payments:
    GET    /api/payments                List payments
    POST   /api/payments                Submit a payment (pending)
    POST   /api/payments/{id}/approve   Approve (direct or settlement)
    POST   /api/payments/{id}/reject    Reject (rolls back if approved)

  Grid and ledger:
    GET    /api/grid                    Floor view (cells + states)
    GET    /api/totals                  The singleton counter row
    GET    /api/remainders              Per-donor pending fractions
    GET    /api/batches                 Allocation batch records

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario
    POST   /api/scenarios/reset         Clear the database (dev only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Conflict (capacity shortfall, double approval, version clash)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/grid-engine/approval"
	"github.com/warp/grid-engine/grid"
	"github.com/warp/grid-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Service *approval.Service

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler over the store and approval service.
func NewHandler(store *sqlite.Store, svc *approval.Service) *Handler {
	return &Handler{Store: store, Service: svc}
}

// =============================================================================
// PLEDGE HANDLERS
// =============================================================================

// ListPledges returns all pledges.
func (h *Handler) ListPledges(w http.ResponseWriter, r *http.Request) {
	pledges, err := h.Store.ListPledges(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pledges", err)
		return
	}

	dtos := make([]PledgeDTO, len(pledges))
	for i, p := range pledges {
		dtos[i] = toPledgeDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePledge submits a pending pledge.
func (h *Handler) CreatePledge(w http.ResponseWriter, r *http.Request) {
	var req CreatePledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DonorName == "" {
		writeError(w, http.StatusBadRequest, "donor_name is required", nil)
		return
	}
	amount, err := grid.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string like \"512.50\")", err)
		return
	}

	pledge, err := h.Service.SubmitPledge(r.Context(), approval.PledgeInput{
		DonorName:  req.DonorName,
		DonorPhone: req.DonorPhone,
		Amount:     amount,
		PackageID:  req.PackageID,
	})
	if err != nil {
		writeDomainError(w, "Failed to submit pledge", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPledgeDTO(*pledge))
}

// IncreasePledge submits an update request that raises an existing
// pledge by the given delta once approved.
func (h *Handler) IncreasePledge(w http.ResponseWriter, r *http.Request) {
	id := grid.PledgeID(chi.URLParam(r, "id"))

	var req IncreasePledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := grid.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	pledge, err := h.Service.SubmitPledgeIncrease(r.Context(), id, amount)
	if err != nil {
		writeDomainError(w, "Failed to submit increase", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPledgeDTO(*pledge))
}

// ApprovePledge runs the full approval transaction for a pledge.
func (h *Handler) ApprovePledge(w http.ResponseWriter, r *http.Request) {
	id := grid.PledgeID(chi.URLParam(r, "id"))

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required", nil)
		return
	}

	result, err := h.Service.ApprovePledge(r.Context(), id, req.ApprovedBy)
	if err != nil {
		writeDomainError(w, "Failed to approve pledge", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// RejectPledge rejects a pledge, unwinding a prior approval if needed.
func (h *Handler) RejectPledge(w http.ResponseWriter, r *http.Request) {
	id := grid.PledgeID(chi.URLParam(r, "id"))

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Service.RejectPledge(r.Context(), id, req.Reason, req.Actor); err != nil {
		writeDomainError(w, "Failed to reject pledge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns all payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.ListPayments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePayment submits a pending payment.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.DonorName == "" {
		writeError(w, http.StatusBadRequest, "donor_name is required", nil)
		return
	}
	amount, err := grid.ParseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	payment, err := h.Service.SubmitPayment(r.Context(), approval.PaymentInput{
		PledgeID:   grid.PledgeID(req.PledgeID),
		DonorName:  req.DonorName,
		DonorPhone: req.DonorPhone,
		Amount:     amount,
	})
	if err != nil {
		writeDomainError(w, "Failed to submit payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment))
}

// ApprovePayment runs the full approval transaction for a payment.
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	id := grid.PaymentID(chi.URLParam(r, "id"))

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required", nil)
		return
	}

	result, err := h.Service.ApprovePayment(r.Context(), id, req.ApprovedBy)
	if err != nil {
		writeDomainError(w, "Failed to approve payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// RejectPayment rejects a payment, unwinding a prior approval if needed.
func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	id := grid.PaymentID(chi.URLParam(r, "id"))

	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Service.RejectPayment(r.Context(), id, req.Reason, req.Actor); err != nil {
		writeDomainError(w, "Failed to reject payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// =============================================================================
// GRID AND LEDGER HANDLERS
// =============================================================================

// GetGrid returns every cell with its state, plus summary counts.
func (h *Handler) GetGrid(w http.ResponseWriter, r *http.Request) {
	cells, err := h.Store.Cells(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load grid", err)
		return
	}

	view := GridViewDTO{Cells: make([]CellDTO, len(cells)), Total: len(cells)}
	for i, c := range cells {
		view.Cells[i] = toCellDTO(c)
		switch c.State {
		case grid.CellFree:
			view.Free++
		case grid.CellReserved:
			view.Reserved++
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// GetTotals returns the counter row.
func (h *Handler) GetTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Store.Totals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load totals", err)
		return
	}
	writeJSON(w, http.StatusOK, TotalsDTO{
		PaidTotal:    totals.PaidTotal.String(),
		PledgedTotal: totals.PledgedTotal.String(),
		GrandTotal:   totals.GrandTotal.String(),
		Version:      totals.Version,
	})
}

// ListRemainders returns every donor's pending fraction.
func (h *Handler) ListRemainders(w http.ResponseWriter, r *http.Request) {
	remainders, err := h.Store.ListRemainders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list remainders", err)
		return
	}

	dtos := make([]RemainderDTO, len(remainders))
	for i, rem := range remainders {
		dtos[i] = RemainderDTO{
			DonorKey:        string(rem.DonorKey),
			PendingFraction: rem.PendingFraction.String(),
			StatusLabel:     string(rem.StatusLabel),
			UpdatedAt:       rem.UpdatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListBatches returns all allocation batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatches(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batches", err)
		return
	}

	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DTO CONVERSION
// =============================================================================

func toPledgeDTO(p grid.Pledge) PledgeDTO {
	return PledgeDTO{
		ID:               string(p.ID),
		DonorID:          string(p.DonorID),
		DonorName:        p.DonorName,
		DonorPhone:       p.DonorPhone,
		Amount:           p.Amount.String(),
		Status:           string(p.Status),
		Kind:             string(p.Kind),
		OriginalPledgeID: string(p.OriginalPledgeID),
		PackageID:        p.PackageID,
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
	}
}

func toPaymentDTO(p grid.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		PledgeID:   string(p.PledgeID),
		DonorID:    string(p.DonorID),
		DonorName:  p.DonorName,
		DonorPhone: p.DonorPhone,
		Amount:     p.Amount.String(),
		Status:     string(p.Status),
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
	}
}

func toCellDTO(c grid.GridCell) CellDTO {
	dto := CellDTO{
		ID:            string(c.ID),
		Label:         c.Label,
		Position:      c.Position,
		UnitPrice:     c.UnitPrice.String(),
		AreaPerUnit:   c.AreaPerUnit.String(),
		State:         string(c.State),
		DonorName:     c.DonorName,
		StatusLabel:   string(c.StatusLabel),
		OwningBatchID: string(c.OwningBatchID),
	}
	if c.AllocatedAt != nil {
		dto.AllocatedAt = c.AllocatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBatchDTO(b grid.AllocationBatch) BatchDTO {
	dto := BatchDTO{
		ID:               string(b.ID),
		Type:             string(b.Type),
		ApprovalStatus:   string(b.ApprovalStatus),
		OriginalPledgeID: string(b.OriginalPledgeID),
		NewPledgeID:      string(b.NewPledgeID),
		NewPaymentID:     string(b.NewPaymentID),
		DonorName:        b.DonorName,
		TotalAmount:      b.TotalAmount.String(),
		AllocatedArea:    b.AllocatedArea.String(),
		RequestSource:    string(b.RequestSource),
		CreatedAt:        b.CreatedAt.Format(time.RFC3339),
		ApprovedBy:       b.ApprovedBy,
	}
	for _, id := range b.AllocatedCellIDs {
		dto.AllocatedCellIDs = append(dto.AllocatedCellIDs, string(id))
	}
	if b.ResolvedAt != nil {
		dto.ResolvedAt = b.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

func toResultDTO(res *grid.AllocationResult) AllocationResultDTO {
	dto := AllocationResultDTO{
		Type:            string(res.Type),
		Message:         res.Message,
		CellCount:       res.CellCount,
		Area:            res.Area.String(),
		WholeAmount:     res.WholeAmount.String(),
		RemainderBefore: res.RemainderBefore.String(),
		RemainderAfter:  res.RemainderAfter.String(),
	}
	for _, id := range res.CellIDs {
		dto.CellIDs = append(dto.CellIDs, string(id))
	}
	return dto
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case grid.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, grid.ErrInvalidConfiguration):
		writeError(w, http.StatusBadRequest, message, err)
	case grid.IsClientError(err) || grid.IsRetryable(err):
		// Capacity shortfalls, double approvals and version clashes are all
		// conflicts with current state, not malformed requests.
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
