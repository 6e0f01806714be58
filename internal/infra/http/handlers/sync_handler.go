package handlers

import (
	"context"
	"net/http"

	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
	"github.com/xavierca1/leadsync/internal/usecase"
)

type PendingSyncer interface {
	SyncPendingToExternal(ctx context.Context) (usecase.SyncReport, error)
}

type SyncHandler struct {
	Sweeper PendingSyncer
}

func NewSyncHandler(s PendingSyncer) *SyncHandler {
	return &SyncHandler{Sweeper: s}
}

// RunPending handles POST /api/sync/pending. It answers 409 while another
// sweep holds the lock.
func (h *SyncHandler) RunPending(w http.ResponseWriter, r *http.Request) {
	report, err := h.Sweeper.SyncPendingToExternal(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	middleware.RecordSweep(report.Synced, report.Failed, report.DeadLettered, report.Adopted)
	writeJSON(w, http.StatusOK, report)
}
