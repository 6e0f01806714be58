package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/usecase"
)

type LeadIngester interface {
	Execute(ctx context.Context, tenantID string, input usecase.IngestLeadInput) (*usecase.IngestLeadOutput, error)
	ExecuteBatch(ctx context.Context, tenantID string, inputs []usecase.IngestLeadInput) (*usecase.IngestBatchOutput, error)
}

type LeadOwnership interface {
	UpdateStatus(ctx context.Context, tenantID, id, newStatus, reason string) (usecase.StatusUpdateResult, error)
	UpdateLocalFieldsRaw(ctx context.Context, tenantID, id string, raw map[string]any) (usecase.LocalUpdateResult, error)
	GetMergedLead(ctx context.Context, tenantID, id string) (usecase.MergedLead, error)
}

type LeadHandler struct {
	Ingester  LeadIngester
	Ownership LeadOwnership
}

func NewLeadHandler(ingester LeadIngester, ownership LeadOwnership) *LeadHandler {
	return &LeadHandler{Ingester: ingester, Ownership: ownership}
}

type IngestBatchRequest struct {
	Leads []usecase.IngestLeadInput `json:"leads"`
}

type IngestBatchResponse struct {
	Success bool `json:"success"`
	*usecase.IngestBatchOutput
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,max=100"`
	Reason string `json:"reason" validate:"max=500"`
}

type UpdateStatusResponse struct {
	Success bool `json:"success"`
	usecase.StatusUpdateResult
	Outcome string `json:"outcome"`
}

type LocalUpdateResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	usecase.LocalUpdateResult
}

// Ingest handles POST /api/leads/ingest: 201 created, 200 updated, 400
// rejected input, 502 CRM failure.
func (h *LeadHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	input, err := decodeJSON[usecase.IngestLeadInput](r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.Ingester.Execute(r.Context(), tenantFrom(r.Context()), input)
	if err != nil {
		middleware.RecordLeadIngested("failed")
		if out == nil {
			writeError(w, r, err)
			return
		}
		status, _ := statusFor(err)
		writeJSON(w, status, out)
		return
	}

	middleware.RecordLeadIngested(out.Action)
	status := http.StatusOK
	if out.Action == usecase.ActionCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, out)
}

// IngestBatch handles POST /api/leads/ingest/batch. Item failures are
// reported per item; only a malformed or oversized batch is rejected.
func (h *LeadHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[IngestBatchRequest](r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := h.Ingester.ExecuteBatch(r.Context(), tenantFrom(r.Context()), req.Leads)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, res := range out.Results {
		if res.Success {
			middleware.RecordLeadIngested(res.Action)
		} else {
			middleware.RecordLeadIngested("failed")
		}
	}
	writeJSON(w, http.StatusOK, IngestBatchResponse{Success: true, IngestBatchOutput: out})
}

// UpdateStatus handles PATCH /api/leads/{id}/status: 200 when the CRM took
// the change, 202 when it was queued for the sync sweep.
func (h *LeadHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[UpdateStatusRequest](r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Ownership.UpdateStatus(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), req.Status, req.Reason)
	if err != nil {
		middleware.RecordStatusWrite("failed")
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Synced {
		middleware.RecordStatusWrite("synced")
	} else {
		middleware.RecordStatusWrite("queued")
		status = http.StatusAccepted
	}
	writeJSON(w, status, UpdateStatusResponse{Success: true, StatusUpdateResult: res, Outcome: res.Outcome.String()})
}

// UpdateLocal handles PATCH /api/leads/{id}/local with a raw field map.
func (h *LeadHandler) UpdateLocal(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeJSON[map[string]any](r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Ownership.UpdateLocalFieldsRaw(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), raw)
	if errors.Is(err, usecase.ErrNoLocalFields) {
		writeJSON(w, http.StatusBadRequest, LocalUpdateResponse{
			Error: err.Error(), ErrorCode: CodeInvalidRequest, LocalUpdateResult: res,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LocalUpdateResponse{Success: true, LocalUpdateResult: res})
}

// Get handles GET /api/leads/{id}. The id may be a CRM id or a local id.
func (h *LeadHandler) Get(w http.ResponseWriter, r *http.Request) {
	lead, err := h.Ownership.GetMergedLead(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}
