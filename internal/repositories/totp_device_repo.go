package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TOTPDeviceRepository defines TOTP device persistence operations
type TOTPDeviceRepository interface {
	Create(ctx context.Context, device *models.TOTPDevice) error
	GetByUserID(ctx context.Context, userID string) ([]models.TOTPDevice, error)
	GetUnconfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error)
	GetConfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error)
	HasConfirmed(ctx context.Context, userID string) (bool, error)
	Confirm(ctx context.Context, deviceID string) error
	UpdateLastUsedAt(ctx context.Context, deviceID string) error
	DeleteUnconfirmed(ctx context.Context, userID string) error
	DeleteByUserID(ctx context.Context, userID string) error
	DeleteStaleUnconfirmed(ctx context.Context, threshold time.Time) (int64, error)
}

type totpDeviceRepoImpl struct {
	db *pgxpool.Pool
}

// NewTOTPDeviceRepository creates a new TOTP device repository
func NewTOTPDeviceRepository(db *pgxpool.Pool) TOTPDeviceRepository {
	return &totpDeviceRepoImpl{db: db}
}

const deviceColumns = `id, user_id, name, secret_encrypted, secret_nonce, digits,
	last_used_at, confirmed_at, created_at`

func scanDevice(row pgx.Row) (*models.TOTPDevice, error) {
	device := &models.TOTPDevice{}
	err := row.Scan(
		&device.ID,
		&device.UserID,
		&device.Name,
		&device.SecretEncrypted,
		&device.SecretNonce,
		&device.Digits,
		&device.LastUsedAt,
		&device.ConfirmedAt,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// Create inserts a new unconfirmed TOTP device
func (r *totpDeviceRepoImpl) Create(ctx context.Context, device *models.TOTPDevice) error {
	query := `
		INSERT INTO totp_devices (user_id, name, secret_encrypted, secret_nonce, digits)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		device.UserID,
		device.Name,
		device.SecretEncrypted,
		device.SecretNonce,
		device.Digits,
	).Scan(&device.ID, &device.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503": // user does not exist
				return models.ErrNotFound
			case "23505": // unconfirmed device already present
				return models.ErrConflict
			}
		}
		return fmt.Errorf("failed to create TOTP device: %w", err)
	}

	return nil
}

func (r *totpDeviceRepoImpl) GetByUserID(ctx context.Context, userID string) ([]models.TOTPDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM totp_devices WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query TOTP devices: %w", err)
	}
	defer rows.Close()

	var devices []models.TOTPDevice
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan TOTP device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating TOTP devices: %w", err)
	}

	return devices, nil
}

// GetUnconfirmed retrieves the user's device awaiting setup confirmation.
// At most one exists per user.
func (r *totpDeviceRepoImpl) GetUnconfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error) {
	query := `SELECT ` + deviceColumns + ` FROM totp_devices WHERE user_id = $1 AND confirmed_at IS NULL`

	device, err := scanDevice(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get unconfirmed TOTP device: %w", err)
	}
	return device, nil
}

// GetConfirmed retrieves the user's active device (oldest confirmation wins).
func (r *totpDeviceRepoImpl) GetConfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM totp_devices
		WHERE user_id = $1 AND confirmed_at IS NOT NULL
		ORDER BY confirmed_at ASC
		LIMIT 1
	`

	device, err := scanDevice(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get confirmed TOTP device: %w", err)
	}
	return device, nil
}

func (r *totpDeviceRepoImpl) HasConfirmed(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM totp_devices WHERE user_id = $1 AND confirmed_at IS NOT NULL)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check confirmed TOTP device: %w", err)
	}
	return exists, nil
}

// Confirm marks a device as verified and active
func (r *totpDeviceRepoImpl) Confirm(ctx context.Context, deviceID string) error {
	query := `
		UPDATE totp_devices
		SET confirmed_at = NOW()
		WHERE id = $1 AND confirmed_at IS NULL
		RETURNING confirmed_at
	`

	var confirmedAt time.Time
	err := r.db.QueryRow(ctx, query, deviceID).Scan(&confirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to confirm TOTP device: %w", err)
	}

	return nil
}

func (r *totpDeviceRepoImpl) UpdateLastUsedAt(ctx context.Context, deviceID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE totp_devices SET last_used_at = NOW() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteUnconfirmed removes the user's pending device, if any. Called before
// creating a fresh one so a stale QR code can never be re-displayed.
func (r *totpDeviceRepoImpl) DeleteUnconfirmed(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM totp_devices WHERE user_id = $1 AND confirmed_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete unconfirmed TOTP devices: %w", err)
	}
	return nil
}

func (r *totpDeviceRepoImpl) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM totp_devices WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user's TOTP devices: %w", err)
	}
	return nil
}

// DeleteStaleUnconfirmed removes pending devices whose setup window expired.
func (r *totpDeviceRepoImpl) DeleteStaleUnconfirmed(ctx context.Context, threshold time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM totp_devices WHERE confirmed_at IS NULL AND created_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale unconfirmed devices: %w", err)
	}
	return tag.RowsAffected(), nil
}
