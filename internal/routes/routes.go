package routes

import (
	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/handlers"
	"github.com/bastionauth/bastion/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	twoFactorHandler *handlers.TwoFactorHandler,
	tokenManager *auth.TokenManager,
	revocationChecker auth.TokenRevocationChecker,
) {
	authRateLimit := middleware.RateLimitByIP(middleware.DefaultAuthRateLimit())
	twoFactorRateLimit := middleware.RateLimitByIP(middleware.DefaultTwoFactorRateLimit())

	// Public routes - no authentication required
	router.With(authRateLimit).Post("/auth/register", authHandler.Register)
	router.With(authRateLimit).Post("/auth/login", authHandler.Login)
	router.With(authRateLimit).Post("/auth/refresh", authHandler.RefreshToken)

	// The authenticate step carries its own pending token; the access-token
	// middleware does not apply here.
	router.With(twoFactorRateLimit).Post("/auth/two-factor/authenticate", twoFactorHandler.Authenticate)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager, revocationChecker))

		r.Post("/auth/logout", authHandler.Logout)

		r.Post("/auth/two-factor/setup", twoFactorHandler.BeginSetup)
		r.Post("/auth/two-factor/setup/confirm", twoFactorHandler.ConfirmSetup)
		r.Get("/auth/two-factor/qrcode", twoFactorHandler.QRCode)
		r.Post("/auth/two-factor/remove", twoFactorHandler.Remove)
		r.Get("/auth/two-factor/backup-tokens", twoFactorHandler.BackupTokenStatus)
		r.Post("/auth/two-factor/backup-tokens", twoFactorHandler.RegenerateBackupTokens)
		r.Get("/auth/two-factor/status", twoFactorHandler.Status)
	})
}
