package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"convia.vip/license-server/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// internalError is the single 5xx path: infrastructure failures are
// reported to Sentry and never echo internals to the client.
func internalError(w http.ResponseWriter, message string, err error) {
	sentry.CaptureException(err)
	logger.Error(message, logger.Fields{
		"error": err.Error(),
	})
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// writeValidationError maps struct validation failures to a 422 with one
// entry per offending field.
func writeValidationError(w http.ResponseWriter, err error) {
	fields := make(map[string]string)
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
		"error":  "Validation failed",
		"fields": fields,
	})
}
