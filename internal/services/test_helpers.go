package services

import (
	"context"
	"fmt"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// MockUserRepository implements UserRepository for testing
type MockUserRepository struct {
	GetByIDFunc             func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc          func(ctx context.Context, email string) (*models.User, error)
	CreateFunc              func(ctx context.Context, user *models.User) (*models.User, error)
	SetTwoFactorEnabledFunc func(ctx context.Context, id string, enabled bool) error
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	return nil, models.ErrInternalServer
}

func (m *MockUserRepository) SetTwoFactorEnabled(ctx context.Context, id string, enabled bool) error {
	if m.SetTwoFactorEnabledFunc != nil {
		return m.SetTwoFactorEnabledFunc(ctx, id, enabled)
	}
	return nil
}

// MockTokenRevocationRepository implements TokenRevocationRepository for testing
type MockTokenRevocationRepository struct {
	RevokeTokenFunc    func(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error
	IsTokenRevokedFunc func(ctx context.Context, jti string) (bool, error)
}

func (m *MockTokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, userID, tokenType, expiresAt, reason)
	}
	return nil
}

func (m *MockTokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if m.IsTokenRevokedFunc != nil {
		return m.IsTokenRevokedFunc(ctx, jti)
	}
	return false, nil
}

// MockTOTPDeviceRepository implements repositories.TOTPDeviceRepository for testing
type MockTOTPDeviceRepository struct {
	CreateFunc                 func(ctx context.Context, device *models.TOTPDevice) error
	GetByUserIDFunc            func(ctx context.Context, userID string) ([]models.TOTPDevice, error)
	GetUnconfirmedFunc         func(ctx context.Context, userID string) (*models.TOTPDevice, error)
	GetConfirmedFunc           func(ctx context.Context, userID string) (*models.TOTPDevice, error)
	HasConfirmedFunc           func(ctx context.Context, userID string) (bool, error)
	ConfirmFunc                func(ctx context.Context, deviceID string) error
	UpdateLastUsedAtFunc       func(ctx context.Context, deviceID string) error
	DeleteUnconfirmedFunc      func(ctx context.Context, userID string) error
	DeleteByUserIDFunc         func(ctx context.Context, userID string) error
	DeleteStaleUnconfirmedFunc func(ctx context.Context, threshold time.Time) (int64, error)
}

func (m *MockTOTPDeviceRepository) Create(ctx context.Context, device *models.TOTPDevice) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, device)
	}
	device.ID = "device_" + device.UserID + "_test"
	return nil
}

func (m *MockTOTPDeviceRepository) GetByUserID(ctx context.Context, userID string) ([]models.TOTPDevice, error) {
	if m.GetByUserIDFunc != nil {
		return m.GetByUserIDFunc(ctx, userID)
	}
	return []models.TOTPDevice{}, nil
}

func (m *MockTOTPDeviceRepository) GetUnconfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error) {
	if m.GetUnconfirmedFunc != nil {
		return m.GetUnconfirmedFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockTOTPDeviceRepository) GetConfirmed(ctx context.Context, userID string) (*models.TOTPDevice, error) {
	if m.GetConfirmedFunc != nil {
		return m.GetConfirmedFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockTOTPDeviceRepository) HasConfirmed(ctx context.Context, userID string) (bool, error) {
	if m.HasConfirmedFunc != nil {
		return m.HasConfirmedFunc(ctx, userID)
	}
	return false, nil
}

func (m *MockTOTPDeviceRepository) Confirm(ctx context.Context, deviceID string) error {
	if m.ConfirmFunc != nil {
		return m.ConfirmFunc(ctx, deviceID)
	}
	return nil
}

func (m *MockTOTPDeviceRepository) UpdateLastUsedAt(ctx context.Context, deviceID string) error {
	if m.UpdateLastUsedAtFunc != nil {
		return m.UpdateLastUsedAtFunc(ctx, deviceID)
	}
	return nil
}

func (m *MockTOTPDeviceRepository) DeleteUnconfirmed(ctx context.Context, userID string) error {
	if m.DeleteUnconfirmedFunc != nil {
		return m.DeleteUnconfirmedFunc(ctx, userID)
	}
	return nil
}

func (m *MockTOTPDeviceRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if m.DeleteByUserIDFunc != nil {
		return m.DeleteByUserIDFunc(ctx, userID)
	}
	return nil
}

func (m *MockTOTPDeviceRepository) DeleteStaleUnconfirmed(ctx context.Context, threshold time.Time) (int64, error) {
	if m.DeleteStaleUnconfirmedFunc != nil {
		return m.DeleteStaleUnconfirmedFunc(ctx, threshold)
	}
	return 0, nil
}

// MockStaticTokenRepository implements repositories.StaticTokenRepository for testing
type MockStaticTokenRepository struct {
	CreateBatchFunc       func(ctx context.Context, userID string, tokenHashes []string) error
	GetUnusedByUserIDFunc func(ctx context.Context, userID string) ([]models.StaticToken, error)
	CountUnusedFunc       func(ctx context.Context, userID string) (int, error)
	MarkUsedFunc          func(ctx context.Context, tokenID string) error
	DeleteByUserIDFunc    func(ctx context.Context, userID string) error
}

func (m *MockStaticTokenRepository) CreateBatch(ctx context.Context, userID string, tokenHashes []string) error {
	if m.CreateBatchFunc != nil {
		return m.CreateBatchFunc(ctx, userID, tokenHashes)
	}
	return nil
}

func (m *MockStaticTokenRepository) GetUnusedByUserID(ctx context.Context, userID string) ([]models.StaticToken, error) {
	if m.GetUnusedByUserIDFunc != nil {
		return m.GetUnusedByUserIDFunc(ctx, userID)
	}
	return []models.StaticToken{}, nil
}

func (m *MockStaticTokenRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	if m.CountUnusedFunc != nil {
		return m.CountUnusedFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockStaticTokenRepository) MarkUsed(ctx context.Context, tokenID string) error {
	if m.MarkUsedFunc != nil {
		return m.MarkUsedFunc(ctx, tokenID)
	}
	return nil
}

func (m *MockStaticTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if m.DeleteByUserIDFunc != nil {
		return m.DeleteByUserIDFunc(ctx, userID)
	}
	return nil
}

// MockTwoFactorAttemptRepository implements repositories.TwoFactorAttemptRepository for testing
type MockTwoFactorAttemptRepository struct {
	RecordAttemptFunc    func(ctx context.Context, attempt *models.TwoFactorAttempt) error
	CountFailedSinceFunc func(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteOlderThanFunc  func(ctx context.Context, threshold time.Time) (int64, error)
}

func (m *MockTwoFactorAttemptRepository) RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	if m.RecordAttemptFunc != nil {
		return m.RecordAttemptFunc(ctx, attempt)
	}
	return nil
}

func (m *MockTwoFactorAttemptRepository) CountFailedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if m.CountFailedSinceFunc != nil {
		return m.CountFailedSinceFunc(ctx, userID, since)
	}
	return 0, nil
}

func (m *MockTwoFactorAttemptRepository) DeleteOlderThan(ctx context.Context, threshold time.Time) (int64, error) {
	if m.DeleteOlderThanFunc != nil {
		return m.DeleteOlderThanFunc(ctx, threshold)
	}
	return 0, nil
}

// MockEmailService implements EmailService for testing
type MockEmailService struct {
	SendSecurityNotificationFunc func(ctx context.Context, email, event string) error
	SentEvents                   []string
}

func (m *MockEmailService) SendSecurityNotification(ctx context.Context, email, event string) error {
	if m.SendSecurityNotificationFunc != nil {
		return m.SendSecurityNotificationFunc(ctx, email, event)
	}
	m.SentEvents = append(m.SentEvents, event)
	return nil
}

// NewTestUser constructs a basic active user
func NewTestUser(id, email, name string) *models.User {
	now := time.Now()
	return &models.User{
		ID:            id,
		Email:         email,
		Name:          name,
		EmailVerified: true,
		Status:        "active",
		Role:          "user",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewTestUserWithPassword creates a user with hashed password
func NewTestUserWithPassword(id, email, name, passwordHash string) *models.User {
	user := NewTestUser(id, email, name)
	user.PasswordHash = passwordHash
	return user
}

// NewTestUserWithStatus creates a user with specified status
func NewTestUserWithStatus(id, email, name, status string) *models.User {
	user := NewTestUser(id, email, name)
	user.Status = status
	return user
}

// NewTestUserEnrolled creates a user with two-factor enabled
func NewTestUserEnrolled(id, email, name string) *models.User {
	user := NewTestUser(id, email, name)
	now := time.Now()
	user.TwoFactorEnabled = true
	user.TwoFactorEnrolledAt = &now
	return user
}

// NewTestDevice creates a confirmed TOTP device
func NewTestDevice(id, userID string, encrypted, nonce []byte) *models.TOTPDevice {
	now := time.Now()
	return &models.TOTPDevice{
		ID:              id,
		UserID:          userID,
		Name:            "Authenticator",
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		Digits:          6,
		CreatedAt:       now,
		ConfirmedAt:     &now,
	}
}

// NewTestDeviceUnconfirmed creates a pending TOTP device
func NewTestDeviceUnconfirmed(id, userID string, encrypted, nonce []byte) *models.TOTPDevice {
	device := NewTestDevice(id, userID, encrypted, nonce)
	device.ConfirmedAt = nil
	return device
}

// NewTestStaticToken creates an unused backup token row
func NewTestStaticToken(id, userID, tokenHash string) models.StaticToken {
	return models.StaticToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CreatedAt: time.Now(),
	}
}

// NewTokenClaims creates valid token claims
func NewTokenClaims(userID, email, tokenType string) *models.TokenClaims {
	now := time.Now()
	expiresAt := now.Add(15 * time.Minute)
	return &models.TokenClaims{
		Type:   tokenType,
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("jti_%s_%d", userID, now.Unix()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
}

// NewTokenClaimsExpired creates expired token claims
func NewTokenClaimsExpired(userID, email, tokenType string) *models.TokenClaims {
	claims := NewTokenClaims(userID, email, tokenType)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Minute))
	return claims
}
