package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"convia.vip/license-server/internal/config"
	"convia.vip/license-server/internal/email"
	"convia.vip/license-server/internal/handlers"
	"convia.vip/license-server/internal/logger"
	"convia.vip/license-server/internal/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		logger.Error("Invalid configuration", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			TracesSampleRate: 1.0,
		}); err != nil {
			logger.Error("sentry.Init failed", logger.Fields{
				"error": err.Error(),
			})
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open database", logger.Fields{
			"error": err.Error(),
			"path":  cfg.DatabasePath,
		})
		os.Exit(1)
	}
	defer db.Close()

	var sender email.Sender
	if cfg.SMTPConfigured() {
		sender = email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.EmailFrom, cfg.EmailTimeout)
	} else {
		logger.Warn("SMTP not configured, magic link emails will be logged", nil)
		sender = email.LogSender{}
	}

	server := handlers.New(cfg, db, sender, version)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Convia license server starting", logger.Fields{
			"version": version,
			"port":    cfg.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", logger.Fields{
				"error": err.Error(),
			})
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", logger.Fields{
			"error": err.Error(),
		})
		return
	}

	logger.Info("Server stopped", nil)
}
