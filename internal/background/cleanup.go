package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastionauth/bastion/internal/repositories"
)

// CleanupManager periodically removes expired revoked tokens, abandoned
// unconfirmed devices, and old verification attempt rows.
type CleanupManager struct {
	revokeRepo       *repositories.TokenRevocationRepository
	deviceRepo       repositories.TOTPDeviceRepository
	attemptRepo      repositories.TwoFactorAttemptRepository
	logger           *slog.Logger
	interval         time.Duration
	setupExpiry      time.Duration
	attemptRetention time.Duration
	stopCh           chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	revokeRepo *repositories.TokenRevocationRepository,
	deviceRepo repositories.TOTPDeviceRepository,
	attemptRepo repositories.TwoFactorAttemptRepository,
	logger *slog.Logger,
	interval time.Duration,
	setupExpiry time.Duration,
	attemptRetention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		revokeRepo:       revokeRepo,
		deviceRepo:       deviceRepo,
		attemptRepo:      attemptRepo,
		logger:           logger,
		interval:         interval,
		setupExpiry:      setupExpiry,
		attemptRetention: attemptRetention,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tokensDeleted, err := cm.revokeRepo.CleanupExpiredTokens(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to cleanup expired tokens", slog.Any("error", err))
	} else if tokensDeleted > 0 {
		cm.logger.Info("expired token cleanup completed", slog.Int64("rows_deleted", tokensDeleted))
	}

	// Abandoned setups: unconfirmed devices the user never confirmed
	devicesDeleted, err := cm.deviceRepo.DeleteStaleUnconfirmed(cleanupCtx, time.Now().Add(-cm.setupExpiry))
	if err != nil {
		cm.logger.Error("failed to cleanup stale unconfirmed devices", slog.Any("error", err))
	} else if devicesDeleted > 0 {
		cm.logger.Info("stale device cleanup completed", slog.Int64("rows_deleted", devicesDeleted))
	}

	attemptsDeleted, err := cm.attemptRepo.DeleteOlderThan(cleanupCtx, time.Now().Add(-cm.attemptRetention))
	if err != nil {
		cm.logger.Error("failed to cleanup old verification attempts", slog.Any("error", err))
	} else if attemptsDeleted > 0 {
		cm.logger.Info("attempt cleanup completed", slog.Int64("rows_deleted", attemptsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
