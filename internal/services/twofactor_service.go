package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/repositories"
	pkgauth "github.com/bastionauth/bastion/pkg/auth"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

// TwoFactorService handles TOTP enrollment, verification, and backup tokens
type TwoFactorService struct {
	deviceRepo  repositories.TOTPDeviceRepository
	tokenRepo   repositories.StaticTokenRepository
	attemptRepo repositories.TwoFactorAttemptRepository
	userRepo    UserRepository
	totpMgr     *auth.TOTPManager
	emailSvc    EmailService
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	config      TwoFactorConfig
}

// TwoFactorConfig holds enrollment and verification settings
type TwoFactorConfig struct {
	MaxAttempts      int
	AttemptWindow    time.Duration
	BackupTokenCount int
}

// SetupResult is returned when a fresh enrollment is initiated. Secret and
// ProvisioningURI are only available at this point; the secret is stored
// encrypted afterwards.
type SetupResult struct {
	Device          *models.TOTPDevice
	Secret          string
	ProvisioningURI string
}

// NewTwoFactorService creates a new two-factor service
func NewTwoFactorService(
	deviceRepo repositories.TOTPDeviceRepository,
	tokenRepo repositories.StaticTokenRepository,
	attemptRepo repositories.TwoFactorAttemptRepository,
	userRepo UserRepository,
	totpMgr *auth.TOTPManager,
	emailSvc EmailService,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	config TwoFactorConfig,
) *TwoFactorService {
	return &TwoFactorService{
		deviceRepo:  deviceRepo,
		tokenRepo:   tokenRepo,
		attemptRepo: attemptRepo,
		userRepo:    userRepo,
		totpMgr:     totpMgr,
		emailSvc:    emailSvc,
		logger:      logger,
		auditLogger: auditLogger,
		config:      config,
	}
}

// BeginSetup starts enrollment for a user. Any previous unconfirmed device is
// discarded and replaced with a fresh secret, so repeated visits to the setup
// screen always show a scannable, current QR code. Users who already have a
// confirmed device must remove it first.
func (s *TwoFactorService) BeginSetup(ctx context.Context, userID, deviceName string) (*SetupResult, error) {
	enrolled, err := s.deviceRepo.HasConfirmed(ctx, userID)
	if err != nil {
		s.logger.Error("failed to check enrollment", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if enrolled {
		return nil, models.ErrTwoFactorAlreadyEnabled
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrNotFound
	}

	result, err := s.createUnconfirmedDevice(ctx, user, deviceName)
	if err != nil {
		return nil, err
	}

	s.logger.Info("two-factor setup initiated",
		slog.String("user_id", userID),
		slog.String("device_id", result.Device.ID))

	return result, nil
}

// ConfirmSetup verifies the first code against the pending device. On success
// the device is confirmed, the user is marked enrolled, and a fresh batch of
// backup tokens is issued. On an invalid code the pending device is replaced
// with a new secret, matching the setup screen which re-renders a new QR code.
func (s *TwoFactorService) ConfirmSetup(ctx context.Context, userID, code, ipAddress string) ([]string, error) {
	device, err := s.deviceRepo.GetUnconfirmed(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrDeviceNotFound
		}
		s.logger.Error("failed to get pending device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	secret, err := s.totpMgr.DecryptSecret(device.SecretEncrypted, device.SecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Malformed codes (wrong length, non-numeric) count as failed
	// confirmation attempts, not internal errors.
	valid, err := s.totpMgr.ValidateCode(secret, code, nil)
	if err != nil {
		s.logger.Warn("TOTP validation error", slog.Any("error", err))
		valid = false
	}

	if !valid {
		// Rotate the pending secret so a partially-observed QR code cannot
		// be brute forced across repeated confirmation attempts.
		user, uerr := s.userRepo.GetByID(ctx, userID)
		if uerr != nil {
			s.logger.Error("failed to load user for pending device rotation", slog.Any("error", uerr))
		} else if _, rerr := s.createUnconfirmedDevice(ctx, user, device.Name); rerr != nil {
			s.logger.Error("failed to rotate pending device", slog.Any("error", rerr))
		}

		s.auditLogger.LogTwoFactorEvent(pkglogger.AuditEvent{
			EventType:     "setup_confirm_failed",
			UserID:        userID,
			IPAddress:     ipAddress,
			Success:       false,
			FailureReason: "invalid_code",
		})
		return nil, models.ErrTwoFactorInvalidCode
	}

	if err := s.deviceRepo.Confirm(ctx, device.ID); err != nil {
		s.logger.Error("failed to confirm device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.userRepo.SetTwoFactorEnabled(ctx, userID, true); err != nil {
		s.logger.Error("failed to enable two-factor for user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	backupTokens, err := s.issueBackupTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.auditLogger.LogTwoFactorEvent(pkglogger.AuditEvent{
		EventType: "two_factor_enabled",
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   true,
	})

	s.notify(ctx, userID, "two_factor_enabled")

	return backupTokens, nil
}

// QRCodePNG renders the provisioning URI of the user's pending device as a
// PNG image. There is nothing to render once enrollment is confirmed.
func (s *TwoFactorService) QRCodePNG(ctx context.Context, userID string, size int) ([]byte, error) {
	device, err := s.deviceRepo.GetUnconfirmed(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrDeviceNotFound
		}
		s.logger.Error("failed to get pending device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrNotFound
	}

	secret, err := s.totpMgr.DecryptSecret(device.SecretEncrypted, device.SecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	uri := s.totpMgr.ProvisioningURI(secret, user.Email)

	png, err := s.totpMgr.QRCodePNG(uri, size)
	if err != nil {
		s.logger.Error("failed to render QR code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return png, nil
}

// VerifyCode validates a TOTP code or a backup token against the user's
// confirmed device. Backup tokens are single use. Failed attempts count
// toward a per-user rate limit window.
func (s *TwoFactorService) VerifyCode(ctx context.Context, userID, code, ipAddress, deviceFingerprint string) error {
	device, err := s.deviceRepo.GetConfirmed(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTwoFactorNotEnrolled
		}
		s.logger.Error("failed to get confirmed device", slog.Any("error", err))
		return models.ErrInternalServer
	}

	failed, err := s.attemptRepo.CountFailedSince(ctx, userID, time.Now().Add(-s.config.AttemptWindow))
	if err != nil {
		s.logger.Error("failed to check rate limit", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if failed >= s.config.MaxAttempts {
		s.logger.Warn("two-factor rate limit exceeded",
			slog.String("user_id", userID),
			slog.Int("failed_attempts", failed))
		s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, false, "rate_limited")
		return models.ErrTwoFactorRateLimited
	}

	secret, err := s.totpMgr.DecryptSecret(device.SecretEncrypted, device.SecretNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.Any("error", err))
		s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, false, "internal_error")
		return models.ErrInternalServer
	}

	valid, _ := s.totpMgr.ValidateCode(secret, code, device.LastUsedAt)
	if valid {
		if err := s.deviceRepo.UpdateLastUsedAt(ctx, device.ID); err != nil {
			s.logger.Error("failed to update last used at", slog.Any("error", err))
		}
		s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, true, "")
		return nil
	}

	// Fall back to backup tokens
	matched, err := s.consumeBackupToken(ctx, userID, code)
	if err != nil {
		s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, false, "internal_error")
		return models.ErrInternalServer
	}
	if matched {
		s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, true, "")
		s.logger.Info("backup token used", slog.String("user_id", userID))
		return nil
	}

	s.logger.Warn("invalid two-factor code",
		slog.String("user_id", userID),
		slog.Int("failed_attempts_now", failed+1))
	s.recordAttempt(ctx, userID, ipAddress, deviceFingerprint, false, "invalid_code")
	return models.ErrTwoFactorInvalidCode
}

// Remove verifies a current code, then deletes every device and backup token
// and clears the enrollment flag.
func (s *TwoFactorService) Remove(ctx context.Context, userID, code, ipAddress string) error {
	enrolled, err := s.deviceRepo.HasConfirmed(ctx, userID)
	if err != nil {
		s.logger.Error("failed to check enrollment", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !enrolled {
		return models.ErrTwoFactorNotEnrolled
	}

	if err := s.VerifyCode(ctx, userID, code, ipAddress, ""); err != nil {
		return err
	}

	if err := s.deviceRepo.DeleteByUserID(ctx, userID); err != nil {
		s.logger.Error("failed to delete devices", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.tokenRepo.DeleteByUserID(ctx, userID); err != nil {
		s.logger.Error("failed to delete backup tokens", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.userRepo.SetTwoFactorEnabled(ctx, userID, false); err != nil {
		s.logger.Error("failed to disable two-factor for user", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.LogTwoFactorEvent(pkglogger.AuditEvent{
		EventType: "two_factor_disabled",
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   true,
	})

	s.notify(ctx, userID, "two_factor_disabled")

	return nil
}

// RegenerateBackupTokens wipes all existing backup tokens for the user and
// issues a fresh batch. The plaintext tokens are returned exactly once; only
// bcrypt hashes are stored.
func (s *TwoFactorService) RegenerateBackupTokens(ctx context.Context, userID, ipAddress string) ([]string, error) {
	enrolled, err := s.deviceRepo.HasConfirmed(ctx, userID)
	if err != nil {
		s.logger.Error("failed to check enrollment", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !enrolled {
		return nil, models.ErrTwoFactorNotEnrolled
	}

	tokens, err := s.issueBackupTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.auditLogger.LogTwoFactorEvent(pkglogger.AuditEvent{
		EventType: "backup_tokens_regenerated",
		UserID:    userID,
		IPAddress: ipAddress,
		Success:   true,
	})

	s.notify(ctx, userID, "backup_tokens_regenerated")

	return tokens, nil
}

func (s *TwoFactorService) issueBackupTokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := s.totpMgr.GenerateStaticTokens(s.config.BackupTokenCount)
	if err != nil {
		s.logger.Error("failed to generate backup tokens", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashes := make([]string, len(tokens))
	for i, token := range tokens {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), pkgauth.BcryptCost)
		if err != nil {
			s.logger.Error("failed to hash backup token", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		hashes[i] = string(hash)
	}

	if err := s.tokenRepo.DeleteByUserID(ctx, userID); err != nil {
		s.logger.Error("failed to delete old backup tokens", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.tokenRepo.CreateBatch(ctx, userID, hashes); err != nil {
		s.logger.Error("failed to store backup tokens", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("backup tokens regenerated",
		slog.String("user_id", userID),
		slog.Int("count", len(tokens)))

	return tokens, nil
}

// BackupTokenStatus returns how many unused backup tokens the user has left.
func (s *TwoFactorService) BackupTokenStatus(ctx context.Context, userID string) (int, error) {
	count, err := s.tokenRepo.CountUnused(ctx, userID)
	if err != nil {
		s.logger.Error("failed to count backup tokens", slog.Any("error", err))
		return 0, models.ErrInternalServer
	}
	return count, nil
}

// Status returns the user's enrollment state and devices.
func (s *TwoFactorService) Status(ctx context.Context, userID string) (*models.TwoFactorStatus, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrNotFound
	}

	devices, err := s.deviceRepo.GetByUserID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to get devices", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	remaining, err := s.tokenRepo.CountUnused(ctx, userID)
	if err != nil {
		s.logger.Error("failed to count backup tokens", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.TwoFactorStatus{
		Enabled:         user.TwoFactorEnabled,
		EnrolledAt:      user.TwoFactorEnrolledAt,
		Devices:         devices,
		BackupRemaining: remaining,
	}, nil
}

// createUnconfirmedDevice replaces any pending device with a freshly
// generated secret and returns the plaintext material for provisioning.
func (s *TwoFactorService) createUnconfirmedDevice(ctx context.Context, user *models.User, deviceName string) (*SetupResult, error) {
	secret, err := s.totpMgr.GenerateSecret(user.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	encrypted, nonce, err := s.totpMgr.EncryptSecret(secret)
	if err != nil {
		s.logger.Error("failed to encrypt TOTP secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.deviceRepo.DeleteUnconfirmed(ctx, user.ID); err != nil {
		s.logger.Error("failed to delete pending device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	device := &models.TOTPDevice{
		UserID:          user.ID,
		Name:            deviceName,
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		Digits:          s.totpMgr.Digits(),
	}

	if err := s.deviceRepo.Create(ctx, device); err != nil {
		s.logger.Error("failed to create device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &SetupResult{
		Device:          device,
		Secret:          secret,
		ProvisioningURI: s.totpMgr.ProvisioningURI(secret, user.Email),
	}, nil
}

func (s *TwoFactorService) consumeBackupToken(ctx context.Context, userID, code string) (bool, error) {
	tokens, err := s.tokenRepo.GetUnusedByUserID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to load backup tokens", slog.Any("error", err))
		return false, err
	}

	for _, token := range tokens {
		if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(code)) == nil {
			if err := s.tokenRepo.MarkUsed(ctx, token.ID); err != nil {
				if errors.Is(err, models.ErrNotFound) {
					// Raced with a concurrent use of the same token.
					return false, nil
				}
				s.logger.Error("failed to mark backup token used", slog.Any("error", err))
				return false, err
			}
			return true, nil
		}
	}

	return false, nil
}

func (s *TwoFactorService) recordAttempt(ctx context.Context, userID, ipAddress, deviceFingerprint string, success bool, failureReason string) {
	attempt := &models.TwoFactorAttempt{
		UserID:            userID,
		IPAddress:         ipAddress,
		DeviceFingerprint: deviceFingerprint,
		Success:           success,
	}
	if failureReason != "" {
		attempt.FailureReason = &failureReason
	}

	if err := s.attemptRepo.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record two-factor attempt", slog.Any("error", err))
	}
}

func (s *TwoFactorService) notify(ctx context.Context, userID, event string) {
	if s.emailSvc == nil {
		return
	}

	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return
	}

	if err := s.emailSvc.SendSecurityNotification(ctx, user.Email, event); err != nil {
		s.logger.Error("failed to send security notification",
			slog.String("event", event),
			slog.Any("error", err))
	}
}
