package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlertNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrTaskRunning),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrTickInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidJobType),
		errors.Is(err, domain.ErrInvalidTable),
		errors.Is(err, domain.ErrInvalidDateRange),
		errors.Is(err, domain.ErrNoProvider):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrPublishRefused):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}
