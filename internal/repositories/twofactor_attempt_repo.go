package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TwoFactorAttemptRepository defines verification attempt persistence
// operations used for rate limiting.
type TwoFactorAttemptRepository interface {
	RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error
	CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error)
}

type twoFactorAttemptRepoImpl struct {
	db *pgxpool.Pool
}

// NewTwoFactorAttemptRepository creates a new attempt repository
func NewTwoFactorAttemptRepository(db *pgxpool.Pool) TwoFactorAttemptRepository {
	return &twoFactorAttemptRepoImpl{db: db}
}

func (r *twoFactorAttemptRepoImpl) RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	query := `
		INSERT INTO twofactor_attempts
			(user_id, ip_address, device_fingerprint, success, failure_reason)
		VALUES ($1, NULLIF($2, '')::inet, $3, $4, $5)
		RETURNING id, attempted_at
	`

	err := r.db.QueryRow(ctx, query,
		attempt.UserID,
		attempt.IPAddress,
		attempt.DeviceFingerprint,
		attempt.Success,
		attempt.FailureReason,
	).Scan(&attempt.ID, &attempt.AttemptedAt)

	if err != nil {
		return fmt.Errorf("failed to record two-factor attempt: %w", err)
	}

	return nil
}

func (r *twoFactorAttemptRepoImpl) CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM twofactor_attempts
		WHERE user_id = $1 AND success = false AND attempted_at >= $2
	`

	var count int
	if err := r.db.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}

	return count, nil
}

func (r *twoFactorAttemptRepoImpl) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM twofactor_attempts WHERE attempted_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old two-factor attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
