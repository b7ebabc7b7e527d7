package handlers

import "time"

// BeginSetupRequest represents the request body for starting enrollment
type BeginSetupRequest struct {
	DeviceName string `json:"device_name" validate:"omitempty,max=64"`
}

// BeginSetupResponse carries the provisioning material for a new device.
// The secret and URL are shown exactly once.
type BeginSetupResponse struct {
	DeviceID   string `json:"device_id"`
	Secret     string `json:"secret"`
	OtpauthURL string `json:"otpauth_url"`
	Digits     int    `json:"digits"`
}

// ConfirmSetupRequest represents the request body for confirming enrollment
type ConfirmSetupRequest struct {
	Code string `json:"code" validate:"required"`
}

// ConfirmSetupResponse is returned when enrollment completes. BackupTokens
// are plaintext and never shown again.
type ConfirmSetupResponse struct {
	Success      bool      `json:"success"`
	EnrolledAt   time.Time `json:"enrolled_at"`
	BackupTokens []string  `json:"backup_tokens"`
}

// AuthenticateRequest completes an interrupted login
type AuthenticateRequest struct {
	TwoFactorToken string `json:"two_factor_token" validate:"required"`
	Code           string `json:"code" validate:"required"`
}

// RemoveRequest represents the request body for disabling two-factor
type RemoveRequest struct {
	Code string `json:"code" validate:"required"`
}

// BackupTokenStatusResponse reports how many backup tokens remain
type BackupTokenStatusResponse struct {
	Remaining int `json:"remaining"`
}

// RegenerateBackupTokensResponse carries a fresh batch of plaintext tokens
type RegenerateBackupTokensResponse struct {
	BackupTokens []string `json:"backup_tokens"`
}

// DeviceInfo describes a TOTP device without exposing secret material
type DeviceInfo struct {
	DeviceID    string     `json:"device_id"`
	Name        string     `json:"name"`
	Confirmed   bool       `json:"confirmed"`
	CreatedAt   time.Time  `json:"created_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// TwoFactorStatusResponse reports the caller's enrollment state
type TwoFactorStatusResponse struct {
	Enabled         bool         `json:"enabled"`
	EnrolledAt      *time.Time   `json:"enrolled_at,omitempty"`
	Devices         []DeviceInfo `json:"devices"`
	BackupRemaining int          `json:"backup_remaining"`
}
