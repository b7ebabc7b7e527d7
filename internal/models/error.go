package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Two-factor errors
	ErrTwoFactorInvalidCode    = errors.New("invalid two-factor code")
	ErrTwoFactorRateLimited    = errors.New("too many two-factor attempts")
	ErrTwoFactorNotEnrolled    = errors.New("two-factor authentication not enrolled")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication already enabled")
	ErrDeviceNotFound          = errors.New("totp device not found")

	// Account state errors
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrAccountSuspended = errors.New("account is suspended")
)
