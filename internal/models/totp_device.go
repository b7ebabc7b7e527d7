package models

import (
	"time"
)

// TOTPDevice is a user's authenticator credential. A device starts out
// unconfirmed; it becomes active once the user proves possession by entering
// a valid code during setup.
type TOTPDevice struct {
	ID              string
	UserID          string
	Name            string
	SecretEncrypted []byte // AES-256-GCM encrypted base32 TOTP secret
	SecretNonce     []byte // GCM nonce (12 bytes)
	Digits          int
	LastUsedAt      *time.Time // Replay guard: last accepted code time
	ConfirmedAt     *time.Time // nil = unconfirmed
	CreatedAt       time.Time
}

// IsConfirmed reports whether the device has completed setup verification.
func (d *TOTPDevice) IsConfirmed() bool {
	return d.ConfirmedAt != nil
}

// StaticToken is a single-use backup token usable in place of a TOTP code
// when the authenticator is unavailable. Only the bcrypt hash is stored.
type StaticToken struct {
	ID        string
	UserID    string
	TokenHash string
	UsedAt    *time.Time // nil = unused
	CreatedAt time.Time
}

// TwoFactorAttempt tracks verification attempts for rate limiting.
type TwoFactorAttempt struct {
	ID                string
	UserID            string
	IPAddress         string
	DeviceFingerprint string
	Success           bool
	FailureReason     *string
	AttemptedAt       time.Time
}

// TwoFactorStatus summarizes a user's enrollment.
type TwoFactorStatus struct {
	Enabled         bool
	EnrolledAt      *time.Time
	Devices         []TOTPDevice
	BackupRemaining int
}
