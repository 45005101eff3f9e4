package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"convia.vip/license-server/internal/config"
	"convia.vip/license-server/internal/email"
	"convia.vip/license-server/internal/license"
	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/paddle"
	"convia.vip/license-server/internal/ratelimit"
	"convia.vip/license-server/internal/storage"
)

// Stats are process-lifetime counters surfaced on the admin stats endpoint.
type Stats struct {
	WebhooksProcessed     atomic.Int64
	VerificationsAccepted atomic.Int64
	VerificationsRejected atomic.Int64
	MagicLinksIssued      atomic.Int64
}

type Server struct {
	Router *chi.Mux

	cfg       *config.Config
	db        *storage.DB
	verifier  *paddle.Verifier
	processor *paddle.Processor
	engine    *license.Engine
	magic     *license.MagicLink
	sender    email.Sender
	validate  *validator.Validate

	stats   Stats
	started time.Time
	version string
}

func New(cfg *config.Config, db *storage.DB, sender email.Sender, version string) *Server {
	s := &Server{
		cfg:       cfg,
		db:        db,
		verifier:  paddle.NewVerifier(cfg.PaddleWebhookSecret, cfg.PaddleSignatureMaxAge),
		processor: paddle.NewProcessor(db, sender, cfg.BaseURL, cfg.MagicTokenTTL, cfg.EmailTimeout),
		engine:    license.NewEngine(db),
		magic:     license.NewMagicLink(db, cfg.MagicTokenTTL),
		sender:    sender,
		validate:  validator.New(),
		started:   time.Now(),
		version:   version,
	}

	limiter := ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Paddle-Signature", "X-Admin-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/license", func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Post("/verify", s.VerifyLicense)
			r.Post("/request-magic-link", s.RequestMagicLink)
			r.Get("/claim", s.ClaimLicense)
			r.Get("/magic-link/verify", s.VerifyMagicLink)
		})

		r.Post("/paddle/webhook", s.PaddleWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdminKey)
			r.Get("/licenses", s.ListLicenses)
			r.Get("/licenses/{id}", s.GetLicense)
			r.Get("/licenses/{id}/usage", s.LicenseUsage)
			r.Post("/licenses/{id}/reset-machines", s.ResetMachines)
			r.Post("/licenses/{id}/reset-containers", s.ResetContainers)
			r.Get("/webhooks", s.ListWebhookLogs)
			r.Get("/stats", s.ShowStats)
		})
	})

	s.Router = r
	return s
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		logger.Info("Request handled", logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  rec.Header().Get("X-Request-ID"),
			"remote_addr": r.RemoteAddr,
		})
	})
}
