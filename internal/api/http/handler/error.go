package handler

import (
	"encoding/json"
	"net/http"

	"github.com/cratery/cratery/internal/apierror"
	"github.com/cratery/cratery/internal/logger"
)

// WriteError renders an error as the registry's wire-format error body with
// the right HTTP status. Internal errors are logged with their correlation
// ID.
func WriteError(w http.ResponseWriter, log *logger.Logger, err error) {
	apiErr := apierror.From(err)
	if apiErr.CorrelationID != "" {
		log.Error("request failed", "correlation", apiErr.CorrelationID, "error", apiErr.Err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	if encErr := json.NewEncoder(w).Encode(apiErr.Body()); encErr != nil {
		log.Warn("failed to encode error body", "error", encErr)
	}
}

// WriteJSON renders a JSON response body.
func WriteJSON(w http.ResponseWriter, log *logger.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("failed to encode response body", "error", err)
	}
}
