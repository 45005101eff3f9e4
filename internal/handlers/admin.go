package handlers

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/models"
	"convia.vip/license-server/internal/storage"
)

// requireAdminKey gates the admin surface on X-Admin-API-Key. The compare
// is constant-time.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid or missing admin API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := storage.ListLicenses(r.Context(), s.db)
	if err != nil {
		internalError(w, "Failed to list licenses", err)
		return
	}
	if licenses == nil {
		licenses = []models.License{}
	}
	writeJSON(w, http.StatusOK, licenses)
}

func (s *Server) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (s *Server) LicenseUsage(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}

	report, err := s.engine.UsageReport(r.Context(), lic.ID)
	if err != nil {
		internalError(w, "Failed to build usage report", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) ResetMachines(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}

	deleted, err := storage.DeleteMachineBindingsForLicense(r.Context(), s.db, lic.ID)
	if err != nil {
		internalError(w, "Failed to reset machine bindings", err)
		return
	}

	logger.Info("Machine bindings reset", logger.Fields{
		"license_id": lic.ID,
		"deleted":    deleted,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Machine bindings reset",
	})
}

func (s *Server) ResetContainers(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}

	deleted, err := storage.DeleteUsageForLicense(r.Context(), s.db, lic.ID)
	if err != nil {
		internalError(w, "Failed to reset container usage", err)
		return
	}

	logger.Info("Container usage reset", logger.Fields{
		"license_id": lic.ID,
		"deleted":    deleted,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Container usage reset",
	})
}

func (s *Server) ListWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	logs, err := storage.ListWebhookLogs(r.Context(), s.db, limit, offset)
	if err != nil {
		internalError(w, "Failed to list webhook logs", err)
		return
	}
	if logs == nil {
		logs = []models.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type StatsResponse struct {
	WebhooksProcessed     int64  `json:"webhooks_processed"`
	VerificationsAccepted int64  `json:"verifications_accepted"`
	VerificationsRejected int64  `json:"verifications_rejected"`
	MagicLinksIssued      int64  `json:"magic_links_issued"`
	UptimeSeconds         int64  `json:"uptime_seconds"`
	Version               string `json:"version"`
}

func (s *Server) ShowStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		WebhooksProcessed:     s.stats.WebhooksProcessed.Load(),
		VerificationsAccepted: s.stats.VerificationsAccepted.Load(),
		VerificationsRejected: s.stats.VerificationsRejected.Load(),
		MagicLinksIssued:      s.stats.MagicLinksIssued.Load(),
		UptimeSeconds:         int64(time.Since(s.started).Seconds()),
		Version:               s.version,
	})
}

// licenseFromPath resolves the {id} path parameter; it writes the 404
// itself so handlers just bail on !ok.
func (s *Server) licenseFromPath(w http.ResponseWriter, r *http.Request) (*models.License, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "License not found")
		return nil, false
	}

	lic, err := storage.FindLicenseByID(r.Context(), s.db, id)
	if err != nil {
		internalError(w, "License lookup failed", err)
		return nil, false
	}
	if lic == nil {
		writeError(w, http.StatusNotFound, "License not found")
		return nil, false
	}

	return lic, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
