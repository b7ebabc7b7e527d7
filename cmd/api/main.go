package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/background"
	"github.com/bastionauth/bastion/internal/config"
	"github.com/bastionauth/bastion/internal/database"
	"github.com/bastionauth/bastion/internal/handlers"
	middlewareCustom "github.com/bastionauth/bastion/internal/middleware"
	"github.com/bastionauth/bastion/internal/repositories"
	"github.com/bastionauth/bastion/internal/routes"
	"github.com/bastionauth/bastion/internal/services"
	pkghttp "github.com/bastionauth/bastion/pkg/http"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	deviceRepo := repositories.NewTOTPDeviceRepository(db.Pool)
	staticTokenRepo := repositories.NewStaticTokenRepository(db.Pool)
	attemptRepo := repositories.NewTwoFactorAttemptRepository(db.Pool)

	// Background cleanup of revoked tokens, abandoned setups, and attempt rows
	cleanupManager := background.NewCleanupManager(
		revokeRepo,
		deviceRepo,
		attemptRepo,
		logger,
		cfg.Auth.CleanupInterval,
		cfg.TwoFactor.SetupExpiry,
		30*24*time.Hour,
	)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
		cfg.TwoFactor.PendingTokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(
		cfg.TwoFactor.EncryptionKey,
		cfg.TwoFactor.Issuer,
		cfg.TwoFactor.Digits,
		cfg.TwoFactor.Period,
	)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := pkglogger.NewAuditLogger(logger)

	var emailService services.EmailService
	if cfg.Email.Enabled {
		sesService, err := services.NewAWSSESEmailService(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
		emailService = sesService
	} else {
		emailService = services.NewNoopEmailService(logger)
	}

	// Services
	authService := services.NewAuthService(userRepo, deviceRepo, tokenManager, revokeRepo, logger, auditLogger)
	twoFactorService := services.NewTwoFactorService(
		deviceRepo,
		staticTokenRepo,
		attemptRepo,
		userRepo,
		totpManager,
		emailService,
		logger,
		auditLogger,
		services.TwoFactorConfig{
			MaxAttempts:      cfg.TwoFactor.MaxAttempts,
			AttemptWindow:    cfg.TwoFactor.AttemptWindow,
			BackupTokenCount: cfg.TwoFactor.BackupTokenCount,
		},
	)

	// Handlers
	ipConfig := &pkghttp.IPConfig{}
	authHandler := handlers.NewAuthHandler(authService, ipConfig)
	twoFactorHandler := handlers.NewTwoFactorHandler(
		twoFactorService,
		tokenManager,
		userRepo,
		revokeRepo,
		ipConfig,
		logger,
	)

	corsConfig := middlewareCustom.DefaultCORSConfig()
	corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, twoFactorHandler, tokenManager, revokeRepo)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
