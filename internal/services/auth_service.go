package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/repositories"
	pkgauth "github.com/bastionauth/bastion/pkg/auth"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

// UserRepository defines the user persistence operations services depend on
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error
}

// TokenRevocationRepository defines revocation operations services depend on
type TokenRevocationRepository interface {
	RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// AuthResponse is returned by login, token refresh, and two-factor completion.
// Either the token pair is set, or TwoFactorRequired is true and only the
// pending token is present.
type AuthResponse struct {
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	User         *UserResponse `json:"user,omitempty"`

	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
	TwoFactorToken    string `json:"two_factor_token,omitempty"`
}

// UserResponse is the user shape exposed over HTTP
type UserResponse struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
	Role             string `json:"role"`
	CreatedAt        string `json:"created_at"`
}

// AuthService handles registration, password login, and token refresh. When a
// user has a confirmed TOTP device, Login interrupts the flow and hands back
// a pending two-factor token instead of the final token pair.
type AuthService struct {
	userRepo    UserRepository
	deviceRepo  repositories.TOTPDeviceRepository
	tm          *auth.TokenManager
	revokeRepo  TokenRevocationRepository
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new auth service
func NewAuthService(
	userRepo UserRepository,
	deviceRepo repositories.TOTPDeviceRepository,
	tm *auth.TokenManager,
	revokeRepo TokenRevocationRepository,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AuthService {
	return &AuthService{
		userRepo:    userRepo,
		deviceRepo:  deviceRepo,
		tm:          tm,
		revokeRepo:  revokeRepo,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Register creates a new account
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*AuthResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrBadRequest
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, models.ErrBadRequest
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.userRepo.Create(ctx, &models.User{
		Email:         email,
		Name:          name,
		PasswordHash:  hash,
		EmailVerified: true,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID))

	return s.issueTokens(user)
}

// Login authenticates a user with email and password. Users with a confirmed
// TOTP device get a short-lived pending token; the login completes only after
// the two-factor authenticate step.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		s.logger.Warn("login attempt with empty email")
		return nil, models.ErrUnauthorized
	}

	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("login failed: invalid credentials",
				slog.String("email", pkglogger.SanitizedEmail(email)))
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "login_failed",
				FailureReason: "invalid_credentials",
			})
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := validateAccountState(user); err != nil {
		s.logger.Info("login blocked due to account state",
			slog.String("user_id", user.ID),
			slog.String("status", user.Status))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID,
			FailureReason: "account_blocked",
		})
		return nil, err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		s.logger.Info("login failed: invalid credentials")
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID,
			FailureReason: "invalid_credentials",
		})
		return nil, models.ErrUnauthorized
	}

	// Password accepted. Interrupt the login when two-factor is active.
	enrolled, err := s.deviceRepo.HasConfirmed(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to check two-factor enrollment", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if enrolled {
		pending, err := s.tm.GenerateTwoFactorToken(user.ID, user.Email)
		if err != nil {
			s.logger.Error("failed to generate two-factor token", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}

		s.logger.Info("login interrupted awaiting second factor", slog.String("user_id", user.ID))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType: "login_interrupted",
			UserID:    user.ID,
			Success:   true,
		})

		return &AuthResponse{
			TwoFactorRequired: true,
			TwoFactorToken:    pending,
		}, nil
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		UserID:    user.ID,
		Success:   true,
	})

	return s.issueTokens(user)
}

// RefreshToken rotates an access/refresh token pair
func (s *AuthService) RefreshToken(ctx context.Context, refreshTokenString string) (*AuthResponse, error) {
	claims, err := s.tm.ValidateToken(refreshTokenString)
	if err != nil || claims.Type != models.TokenTypeRefresh {
		return nil, models.ErrUnauthorized
	}

	revoked, err := s.revokeRepo.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error("failed to check refresh token revocation", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if revoked {
		return nil, models.ErrUnauthorized
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, models.ErrUnauthorized
	}

	if err := validateAccountState(user); err != nil {
		return nil, err
	}

	// Rotation: the old refresh token is dead after one use.
	if err := s.revokeRepo.RevokeToken(ctx, claims.ID, user.ID, models.TokenTypeRefresh,
		claims.ExpiresAt.Time, "rotated"); err != nil {
		s.logger.Error("failed to revoke rotated refresh token", slog.Any("error", err))
	}

	return s.issueTokens(user)
}

// Logout revokes the caller's access token
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tm.ValidateToken(accessToken)
	if err != nil || claims.Type != models.TokenTypeAccess {
		return models.ErrUnauthorized
	}

	if err := s.revokeRepo.RevokeToken(ctx, claims.ID, claims.UserID, models.TokenTypeAccess,
		claims.ExpiresAt.Time, "logout"); err != nil {
		s.logger.Error("failed to revoke access token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("user logged out", slog.String("user_id", claims.UserID))
	return nil
}

func (s *AuthService) issueTokens(user *models.User) (*AuthResponse, error) {
	accessToken, err := s.tm.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshToken, err := s.tm.GenerateRefreshToken(user.ID, user.Email)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         userModelToResponse(user),
	}, nil
}

func validateAccountState(user *models.User) error {
	switch user.Status {
	case "disabled":
		return models.ErrAccountDisabled
	case "suspended":
		return models.ErrAccountSuspended
	}
	return nil
}

func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:               user.ID,
		Email:            user.Email,
		Name:             user.Name,
		TwoFactorEnabled: user.TwoFactorEnabled,
		Role:             user.Role,
		CreatedAt:        user.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
