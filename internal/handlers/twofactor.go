package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/services"
	pkghttp "github.com/bastionauth/bastion/pkg/http"
)

const defaultQRSize = 256

// TwoFactorHandler handles TOTP enrollment and verification HTTP requests
type TwoFactorHandler struct {
	twoFactorService *services.TwoFactorService
	tm               *auth.TokenManager
	userRepo         services.UserRepository
	revokeRepo       services.TokenRevocationRepository
	ipConfig         *pkghttp.IPConfig
	logger           *slog.Logger
}

// NewTwoFactorHandler creates a new two-factor handler
func NewTwoFactorHandler(
	twoFactorService *services.TwoFactorService,
	tm *auth.TokenManager,
	userRepo services.UserRepository,
	revokeRepo services.TokenRevocationRepository,
	ipConfig *pkghttp.IPConfig,
	logger *slog.Logger,
) *TwoFactorHandler {
	return &TwoFactorHandler{
		twoFactorService: twoFactorService,
		tm:               tm,
		userRepo:         userRepo,
		revokeRepo:       revokeRepo,
		ipConfig:         ipConfig,
		logger:           logger,
	}
}

// BeginSetup handles POST /auth/two-factor/setup. Repeated calls replace the
// pending device with a fresh secret.
func (h *TwoFactorHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req BeginSetupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pkghttp.WriteBadRequest(w, "Invalid request body")
			return
		}
		if err := ValidateRequest(req); err != nil {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
	}

	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "Authenticator"
	}

	result, err := h.twoFactorService.BeginSetup(r.Context(), user.UserID, deviceName)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorAlreadyEnabled):
			pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "User not found")
		default:
			h.logger.Error("failed to begin two-factor setup", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Setup failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BeginSetupResponse{
		DeviceID:   result.Device.ID,
		Secret:     result.Secret,
		OtpauthURL: result.ProvisioningURI,
		Digits:     result.Device.Digits,
	})
}

// ConfirmSetup handles POST /auth/two-factor/setup/confirm. A failed code
// invalidates the pending secret; the client must re-fetch the QR code.
func (h *TwoFactorHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req ConfirmSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if !isValidCodeFormat(req.Code) {
		pkghttp.WriteBadRequest(w, "Invalid code format")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	backupTokens, err := h.twoFactorService.ConfirmSetup(r.Context(), user.UserID, req.Code, ipAddress)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorInvalidCode):
			pkghttp.WriteUnauthorized(w, "Invalid verification code")
		case errors.Is(err, models.ErrDeviceNotFound):
			pkghttp.WriteNotFound(w, "No pending device; start setup first")
		default:
			h.logger.Error("failed to confirm two-factor setup",
				slog.String("user_id", user.UserID), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Confirmation failed")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ConfirmSetupResponse{
		Success:      true,
		EnrolledAt:   time.Now().UTC(),
		BackupTokens: backupTokens,
	})
}

// QRCode handles GET /auth/two-factor/qrcode and serves the pending device's
// provisioning URI as a PNG image.
func (h *TwoFactorHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	size := defaultQRSize
	if s := r.URL.Query().Get("size"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 64 || parsed > 1024 {
			pkghttp.WriteBadRequest(w, "size must be between 64 and 1024")
			return
		}
		size = parsed
	}

	png, err := h.twoFactorService.QRCodePNG(r.Context(), user.UserID, size)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDeviceNotFound):
			pkghttp.WriteNotFound(w, "No pending device; start setup first")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "User not found")
		default:
			h.logger.Error("failed to render QR code", slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Failed to render QR code")
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// Authenticate handles POST /auth/two-factor/authenticate. It consumes the
// pending token issued at login and exchanges a valid TOTP code or backup
// token for a full session.
func (h *TwoFactorHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if !isValidCodeFormat(req.Code) {
		pkghttp.WriteBadRequest(w, "Invalid code format")
		return
	}

	claims, err := h.tm.ValidateToken(req.TwoFactorToken)
	if err != nil || claims.Type != models.TokenTypeTwoFactor {
		h.logger.Warn("invalid pending two-factor token")
		pkghttp.WriteUnauthorized(w, "Invalid or expired two-factor token")
		return
	}

	// Pending tokens are single use
	revoked, err := h.revokeRepo.IsTokenRevoked(r.Context(), claims.ID)
	if err != nil {
		h.logger.Error("failed to check pending token revocation", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Authentication failed")
		return
	}
	if revoked {
		pkghttp.WriteUnauthorized(w, "Invalid or expired two-factor token")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	deviceFingerprint := hashUserAgent(r.Header.Get("User-Agent"))

	if err := h.twoFactorService.VerifyCode(r.Context(), claims.UserID, req.Code, ipAddress, deviceFingerprint); err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorInvalidCode):
			pkghttp.WriteUnauthorized(w, "Invalid verification code")
		case errors.Is(err, models.ErrTwoFactorRateLimited):
			pkghttp.WriteTooManyRequests(w, "Too many failed attempts. Please try again later.")
		case errors.Is(err, models.ErrTwoFactorNotEnrolled):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			h.logger.Error("two-factor verification failed",
				slog.String("user_id", claims.UserID), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Authentication failed")
		}
		return
	}

	accessToken, err := h.tm.GenerateAccessToken(claims.UserID, claims.Email)
	if err != nil {
		h.logger.Error("failed to generate access token", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Authentication failed")
		return
	}

	refreshToken, err := h.tm.GenerateRefreshToken(claims.UserID, claims.Email)
	if err != nil {
		h.logger.Error("failed to generate refresh token", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Authentication failed")
		return
	}

	// Burn the pending token so it cannot be replayed. Tokens are already
	// issued, so a revocation failure is logged rather than returned.
	if err := h.revokeRepo.RevokeToken(
		r.Context(),
		claims.ID,
		claims.UserID,
		models.TokenTypeTwoFactor,
		claims.ExpiresAt.Time,
		"two_factor_verified",
	); err != nil {
		h.logger.Error("failed to revoke pending two-factor token",
			slog.String("user_id", claims.UserID),
			slog.String("jti", claims.ID),
			slog.Any("error", err))
	}

	userRecord, err := h.userRepo.GetByID(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("failed to fetch user", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Authentication failed")
		return
	}

	h.logger.Info("two-factor authentication successful", slog.String("user_id", claims.UserID))

	pkghttp.WriteJSON(w, http.StatusOK, services.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User: &services.UserResponse{
			ID:               userRecord.ID,
			Email:            userRecord.Email,
			Name:             userRecord.Name,
			TwoFactorEnabled: userRecord.TwoFactorEnabled,
			Role:             userRecord.Role,
			CreatedAt:        userRecord.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		},
	})
}

// Remove handles POST /auth/two-factor/remove. A current code is required so
// a stolen session cannot silently strip the second factor.
func (h *TwoFactorHandler) Remove(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if !isValidCodeFormat(req.Code) {
		pkghttp.WriteBadRequest(w, "Invalid code format")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	if err := h.twoFactorService.Remove(r.Context(), user.UserID, req.Code, ipAddress); err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorNotEnrolled):
			pkghttp.WriteNotFound(w, "Two-factor authentication is not enabled")
		case errors.Is(err, models.ErrTwoFactorInvalidCode):
			pkghttp.WriteUnauthorized(w, "Invalid verification code")
		case errors.Is(err, models.ErrTwoFactorRateLimited):
			pkghttp.WriteTooManyRequests(w, "Too many failed attempts. Please try again later.")
		default:
			h.logger.Error("failed to remove two-factor",
				slog.String("user_id", user.UserID), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Failed to disable two-factor authentication")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BackupTokenStatus handles GET /auth/two-factor/backup-tokens
func (h *TwoFactorHandler) BackupTokenStatus(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	status, err := h.twoFactorService.Status(r.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to get two-factor status", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve backup tokens")
		return
	}

	if !status.Enabled {
		pkghttp.WriteNotFound(w, "Two-factor authentication is not enabled")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, BackupTokenStatusResponse{
		Remaining: status.BackupRemaining,
	})
}

// RegenerateBackupTokens handles POST /auth/two-factor/backup-tokens. All
// previous backup tokens are invalidated.
func (h *TwoFactorHandler) RegenerateBackupTokens(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	tokens, err := h.twoFactorService.RegenerateBackupTokens(r.Context(), user.UserID, ipAddress)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorNotEnrolled):
			pkghttp.WriteNotFound(w, "Two-factor authentication is not enabled")
		default:
			h.logger.Error("failed to regenerate backup tokens",
				slog.String("user_id", user.UserID), slog.Any("error", err))
			pkghttp.WriteInternalError(w, "Failed to regenerate backup tokens")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, RegenerateBackupTokensResponse{
		BackupTokens: tokens,
	})
}

// Status handles GET /auth/two-factor/status
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUserFromContext(r)
	if user == nil {
		pkghttp.WriteUnauthorized(w, "Unauthorized")
		return
	}

	status, err := h.twoFactorService.Status(r.Context(), user.UserID)
	if err != nil {
		h.logger.Error("failed to get two-factor status", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve status")
		return
	}

	// Secret material never leaves the service layer
	response := TwoFactorStatusResponse{
		Enabled:         status.Enabled,
		EnrolledAt:      status.EnrolledAt,
		Devices:         make([]DeviceInfo, len(status.Devices)),
		BackupRemaining: status.BackupRemaining,
	}

	for i, device := range status.Devices {
		response.Devices[i] = DeviceInfo{
			DeviceID:    device.ID,
			Name:        device.Name,
			Confirmed:   device.IsConfirmed(),
			CreatedAt:   device.CreatedAt,
			ConfirmedAt: device.ConfirmedAt,
			LastUsedAt:  device.LastUsedAt,
		}
	}

	pkghttp.WriteJSON(w, http.StatusOK, response)
}

// Helper functions

func hashUserAgent(userAgent string) string {
	hash := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(hash[:])
}

// isValidCodeFormat accepts TOTP codes (6 or 8 digits) and backup tokens
// (8 characters from the charset that excludes 0, 1, I, L, and O).
func isValidCodeFormat(code string) bool {
	switch len(code) {
	case 6:
		return isNumeric(code)
	case 8:
		if isNumeric(code) {
			return true
		}
		for _, ch := range code {
			if !((ch >= '2' && ch <= '9') ||
				(ch >= 'A' && ch <= 'H') ||
				(ch >= 'J' && ch <= 'K') ||
				(ch >= 'M' && ch <= 'N') ||
				(ch >= 'P' && ch <= 'Z')) {
				return false
			}
		}
		return true
	}
	return false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
