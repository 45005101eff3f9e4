package handlers

import (
	"encoding/json"
	"net/http"

	"convia.vip/license-server/internal/email"
	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

// VerifyLicense is the quota-enforcing verification endpoint. Business
// rejections come back as valid=false over HTTP 200; only infrastructure
// failures are transport errors.
func (s *Server) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	result, err := s.engine.Verify(r.Context(), req)
	if err != nil {
		internalError(w, "License verification failed", err)
		return
	}

	if result.Valid {
		s.stats.VerificationsAccepted.Inc()
	} else {
		s.stats.VerificationsRejected.Inc()
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req models.MagicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	lic, err := storage.FindLicenseByKey(r.Context(), s.db, req.LicenseKey)
	if err != nil {
		internalError(w, "License lookup failed", err)
		return
	}
	if lic == nil || lic.Status != models.StatusActive {
		writeError(w, http.StatusNotFound, "License not found or inactive")
		return
	}

	to := req.Email
	if to == "" {
		to = lic.Email
	}
	if to == "" {
		writeError(w, http.StatusBadRequest, "Email address is required")
		return
	}

	token, err := s.magic.Issue(r.Context(), lic.ID)
	if err != nil {
		internalError(w, "Failed to issue magic token", err)
		return
	}
	s.stats.MagicLinksIssued.Inc()

	// Email failure is logged and does not fail the issuance.
	subject, body := email.MagicLinkMessage(s.cfg.BaseURL, lic.PaddleSubscriptionID, token.Token, s.cfg.MagicTokenTTL)
	if err := s.sender.Send(r.Context(), to, subject, body); err != nil {
		logger.Error("Failed to send magic link email", logger.Fields{
			"error":      err.Error(),
			"email":      to,
			"license_id": lic.ID,
		})
	}

	writeJSON(w, http.StatusOK, models.MagicLinkIssueResponse{
		Success:   true,
		Message:   "Magic link sent to email",
		ExpiresAt: token.ExpiresAt,
	})
}

func (s *Server) ClaimLicense(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	machineID := r.URL.Query().Get("machine_id")
	if token == "" || machineID == "" {
		writeError(w, http.StatusBadRequest, "token and machine_id are required")
		return
	}

	result, err := s.magic.RedeemForClaim(r.Context(), token, machineID)
	if err != nil {
		internalError(w, "Failed to claim license", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	info, err := s.magic.VerifyForInfo(r.Context(), token)
	if err != nil {
		internalError(w, "Failed to verify magic token", err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "Invalid or expired token")
		return
	}

	writeJSON(w, http.StatusOK, info)
}
