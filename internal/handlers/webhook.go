package handlers

import (
	"errors"
	"io"
	"net/http"

	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/paddle"
)

const maxWebhookBodyBytes = int64(65536)

// PaddleWebhook authenticates and processes one webhook delivery. The body
// is verified as raw bytes and parsed only afterwards.
func (s *Server) PaddleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", logger.Fields{
			"error": err.Error(),
		})
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	signatureHeader := r.Header.Get("Paddle-Signature")
	if _, err := s.verifier.Verify(body, signatureHeader); err != nil {
		switch {
		case errors.Is(err, paddle.ErrMissingSignature), errors.Is(err, paddle.ErrMalformedHeader):
			logger.Warn("Webhook rejected: bad signature header", logger.Fields{
				"error":       err.Error(),
				"remote_addr": r.RemoteAddr,
			})
			writeError(w, http.StatusBadRequest, "Missing or malformed Paddle signature header")
		default:
			logger.Warn("Webhook rejected: signature verification failed", logger.Fields{
				"error":       err.Error(),
				"remote_addr": r.RemoteAddr,
			})
			writeError(w, http.StatusUnauthorized, "Invalid Paddle signature")
		}
		return
	}

	result, err := s.processor.Process(r.Context(), body, signatureHeader)
	if err != nil {
		internalError(w, "Failed to process webhook", err)
		return
	}

	s.stats.WebhooksProcessed.Inc()

	writeJSON(w, http.StatusOK, models.WebhookResponse{
		Status:    result.Status,
		EventType: result.EventType,
	})
}
