package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/models"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "test-jwt-secret-at-least-32-bytes-long!!"

func newTestTokenManager() *auth.TokenManager {
	return auth.NewTokenManager(testJWTSecret, 15*time.Minute, 7*24*time.Hour, 5*time.Minute)
}

func newAuthService(
	userRepo *MockUserRepository,
	deviceRepo *MockTOTPDeviceRepository,
	revokeRepo *MockTokenRevocationRepository,
) *AuthService {
	logger := slog.Default()
	return NewAuthService(userRepo, deviceRepo, newTestTokenManager(), revokeRepo,
		logger, pkglogger.NewAuditLogger(logger))
}

func testPasswordHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAuthService_Register_Success(t *testing.T) {
	mockUserRepo := &MockUserRepository{
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			assert.Equal(t, "new@example.com", user.Email)
			assert.NotEmpty(t, user.PasswordHash)
			assert.NotEqual(t, "Str0ngPassword", user.PasswordHash)
			user.ID = "user_new"
			user.CreatedAt = time.Now()
			return user, nil
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Register(context.Background(), "New@Example.com ", "Str0ngPassword", "New User")

	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.False(t, resp.TwoFactorRequired)
	require.NotNil(t, resp.User)
	assert.Equal(t, "new@example.com", resp.User.Email)
}

func TestAuthService_Register_WeakPassword(t *testing.T) {
	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Register(context.Background(), "new@example.com", "password", "New User")

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrBadRequest, err)
}

func TestAuthService_Register_DuplicateEmail(t *testing.T) {
	mockUserRepo := &MockUserRepository{
		CreateFunc: func(ctx context.Context, user *models.User) (*models.User, error) {
			return nil, models.ErrConflict
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Register(context.Background(), "taken@example.com", "Str0ngPassword", "New User")

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrConflict, err)
}

func TestAuthService_Login_Success(t *testing.T) {
	user := NewTestUserWithPassword("user123", "user@example.com", "Test User",
		testPasswordHash(t, "Str0ngPassword"))

	mockUserRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Login(context.Background(), "user@example.com", "Str0ngPassword")

	require.NoError(t, err)
	assert.False(t, resp.TwoFactorRequired)
	assert.Empty(t, resp.TwoFactorToken)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)

	claims, err := newTestTokenManager().ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
	assert.Equal(t, "user123", claims.UserID)
}

func TestAuthService_Login_InterruptedWhenEnrolled(t *testing.T) {
	user := NewTestUserWithPassword("user123", "user@example.com", "Test User",
		testPasswordHash(t, "Str0ngPassword"))
	user.TwoFactorEnabled = true

	mockUserRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}
	mockDeviceRepo := &MockTOTPDeviceRepository{
		HasConfirmedFunc: func(ctx context.Context, userID string) (bool, error) {
			return true, nil
		},
	}

	svc := newAuthService(mockUserRepo, mockDeviceRepo, &MockTokenRevocationRepository{})

	resp, err := svc.Login(context.Background(), "user@example.com", "Str0ngPassword")

	require.NoError(t, err)
	assert.True(t, resp.TwoFactorRequired)
	assert.NotEmpty(t, resp.TwoFactorToken)
	assert.Empty(t, resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
	assert.Nil(t, resp.User)

	// The pending token is a short-lived two-factor token, not an access token
	claims, err := newTestTokenManager().ValidateToken(resp.TwoFactorToken)
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeTwoFactor, claims.Type)
	assert.Equal(t, "user123", claims.UserID)
	assert.NotEmpty(t, claims.ID)
}

func TestAuthService_Login_WrongPassword(t *testing.T) {
	user := NewTestUserWithPassword("user123", "user@example.com", "Test User",
		testPasswordHash(t, "Str0ngPassword"))

	mockUserRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Login(context.Background(), "user@example.com", "WrongPassword1")

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrUnauthorized, err)
}

func TestAuthService_Login_UnknownEmail(t *testing.T) {
	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Login(context.Background(), "nobody@example.com", "Str0ngPassword")

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrUnauthorized, err)
}

func TestAuthService_Login_DisabledAccount(t *testing.T) {
	user := NewTestUserWithStatus("user123", "user@example.com", "Test User", "disabled")
	user.PasswordHash = testPasswordHash(t, "Str0ngPassword")

	mockUserRepo := &MockUserRepository{
		GetByEmailFunc: func(ctx context.Context, email string) (*models.User, error) {
			return user, nil
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.Login(context.Background(), "user@example.com", "Str0ngPassword")

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrAccountDisabled, err)
}

func TestAuthService_RefreshToken_RotatesOldToken(t *testing.T) {
	tm := newTestTokenManager()
	user := NewTestUser("user123", "user@example.com", "Test User")

	refreshToken, err := tm.GenerateRefreshToken("user123", "user@example.com")
	require.NoError(t, err)

	var revokedJTI, revokedReason string
	mockUserRepo := &MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			return user, nil
		},
	}
	mockRevokeRepo := &MockTokenRevocationRepository{
		RevokeTokenFunc: func(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
			revokedJTI = jti
			revokedReason = reason
			assert.Equal(t, models.TokenTypeRefresh, tokenType)
			return nil
		},
	}

	svc := newAuthService(mockUserRepo, &MockTOTPDeviceRepository{}, mockRevokeRepo)

	resp, err := svc.RefreshToken(context.Background(), refreshToken)

	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEqual(t, refreshToken, resp.RefreshToken)
	assert.Equal(t, "rotated", revokedReason)

	claims, err := tm.ValidateToken(refreshToken)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, revokedJTI)
}

func TestAuthService_RefreshToken_RevokedTokenRejected(t *testing.T) {
	tm := newTestTokenManager()

	refreshToken, err := tm.GenerateRefreshToken("user123", "user@example.com")
	require.NoError(t, err)

	mockRevokeRepo := &MockTokenRevocationRepository{
		IsTokenRevokedFunc: func(ctx context.Context, jti string) (bool, error) {
			return true, nil
		},
	}

	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, mockRevokeRepo)

	resp, err := svc.RefreshToken(context.Background(), refreshToken)

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrUnauthorized, err)
}

func TestAuthService_RefreshToken_AccessTokenRejected(t *testing.T) {
	tm := newTestTokenManager()

	accessToken, err := tm.GenerateAccessToken("user123", "user@example.com")
	require.NoError(t, err)

	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	resp, err := svc.RefreshToken(context.Background(), accessToken)

	assert.Nil(t, resp)
	assert.Equal(t, models.ErrUnauthorized, err)
}

func TestAuthService_Logout_RevokesAccessToken(t *testing.T) {
	tm := newTestTokenManager()

	accessToken, err := tm.GenerateAccessToken("user123", "user@example.com")
	require.NoError(t, err)

	revokeCalled := false
	mockRevokeRepo := &MockTokenRevocationRepository{
		RevokeTokenFunc: func(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
			revokeCalled = true
			assert.Equal(t, "user123", userID)
			assert.Equal(t, models.TokenTypeAccess, tokenType)
			assert.Equal(t, "logout", reason)
			return nil
		},
	}

	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, mockRevokeRepo)

	err = svc.Logout(context.Background(), accessToken)

	assert.NoError(t, err)
	assert.True(t, revokeCalled)
}

func TestAuthService_Logout_InvalidToken(t *testing.T) {
	svc := newAuthService(&MockUserRepository{}, &MockTOTPDeviceRepository{}, &MockTokenRevocationRepository{})

	err := svc.Logout(context.Background(), "not-a-token")

	assert.Equal(t, models.ErrUnauthorized, err)
}
