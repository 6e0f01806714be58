package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xavierca1/leadsync/internal/entity"
	"github.com/xavierca1/leadsync/internal/logger"
	"github.com/xavierca1/leadsync/internal/usecase"
)

// Codes produced by the HTTP layer itself.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "LEAD_NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeSweepRunning   = "SYNC_IN_PROGRESS"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
)

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message, ErrorCode: code})
}

// statusFor maps core errors to HTTP. Everything unrecognised is a 500.
func statusFor(err error) (int, string) {
	var te *usecase.TechnicalError
	switch {
	case usecase.IsDomainError(err):
		return http.StatusBadRequest, usecase.ErrorCode(err)
	case errors.Is(err, usecase.ErrNoLocalFields):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, usecase.ErrSeedWithoutContact):
		return http.StatusUnprocessableEntity, CodeInvalidRequest
	case errors.Is(err, entity.ErrLeadNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, entity.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, usecase.ErrSweepInProgress):
		return http.StatusConflict, CodeSweepRunning
	case errors.As(err, &te) && te.Code == usecase.CodeExternalFailed:
		return http.StatusBadGateway, te.Code
	case errors.As(err, &te):
		return http.StatusInternalServerError, te.Code
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		logger.C(r.Context(), nil).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeErrorResponse(w, status, code, msg)
}
