package handlers_test

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/handlers"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/services"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoFactorTestEnv bundles the mocks and managers behind a TwoFactorHandler so
// tests can drive the full handler-to-service path.
type twoFactorTestEnv struct {
	handler     *handlers.TwoFactorHandler
	tokenMgr    *auth.TokenManager
	totpMgr     *auth.TOTPManager
	deviceRepo  *services.MockTOTPDeviceRepository
	tokenRepo   *services.MockStaticTokenRepository
	attemptRepo *services.MockTwoFactorAttemptRepository
	userRepo    *services.MockUserRepository
	revokeRepo  *services.MockTokenRevocationRepository
}

func newTwoFactorTestEnv(t *testing.T) *twoFactorTestEnv {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	totpMgr, err := auth.NewTOTPManager(key, "Bastion", 6, 30)
	require.NoError(t, err)

	tokenMgr := auth.NewTokenManager("test-jwt-secret-at-least-32-bytes-long!!",
		15*time.Minute, 7*24*time.Hour, 5*time.Minute)

	env := &twoFactorTestEnv{
		tokenMgr:    tokenMgr,
		totpMgr:     totpMgr,
		deviceRepo:  &services.MockTOTPDeviceRepository{},
		tokenRepo:   &services.MockStaticTokenRepository{},
		attemptRepo: &services.MockTwoFactorAttemptRepository{},
		userRepo:    &services.MockUserRepository{},
		revokeRepo:  &services.MockTokenRevocationRepository{},
	}

	logger := slog.Default()
	svc := services.NewTwoFactorService(
		env.deviceRepo, env.tokenRepo, env.attemptRepo, env.userRepo,
		totpMgr, nil, logger, pkglogger.NewAuditLogger(logger),
		services.TwoFactorConfig{
			MaxAttempts:      5,
			AttemptWindow:    15 * time.Minute,
			BackupTokenCount: 3,
		},
	)

	env.handler = handlers.NewTwoFactorHandler(svc, tokenMgr, env.userRepo, env.revokeRepo, nil, logger)
	return env
}

// enrollUser wires the mocks for a user with a confirmed device and returns
// the plaintext TOTP secret.
func (env *twoFactorTestEnv) enrollUser(t *testing.T, userID, email string) string {
	t.Helper()

	secret, err := env.totpMgr.GenerateSecret(email)
	require.NoError(t, err)
	encrypted, nonce, err := env.totpMgr.EncryptSecret(secret)
	require.NoError(t, err)

	device := services.NewTestDevice("device_123", userID, encrypted, nonce)
	user := services.NewTestUserEnrolled(userID, email, "Test User")

	env.deviceRepo.GetConfirmedFunc = func(ctx context.Context, id string) (*models.TOTPDevice, error) {
		return device, nil
	}
	env.deviceRepo.HasConfirmedFunc = func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	return secret
}

// ===== Authenticate =====

func TestAuthenticate_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	secret := env.enrollUser(t, "user123", "user@example.com")

	pendingToken, err := env.tokenMgr.GenerateTwoFactorToken("user123", "user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	var revokedReason string
	env.revokeRepo.RevokeTokenFunc = func(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
		revokedReason = reason
		assert.Equal(t, models.TokenTypeTwoFactor, tokenType)
		return nil
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: pendingToken,
		Code:           code,
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	var resp services.AuthResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	require.NotNil(t, resp.User)
	assert.Equal(t, "user123", resp.User.ID)
	assert.True(t, resp.User.TwoFactorEnabled)
	assert.Equal(t, "two_factor_verified", revokedReason)

	// The issued token is a real access token
	claims, err := env.tokenMgr.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.TokenTypeAccess, claims.Type)
}

func TestAuthenticate_UsedPendingToken(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	pendingToken, err := env.tokenMgr.GenerateTwoFactorToken("user123", "user@example.com")
	require.NoError(t, err)

	env.revokeRepo.IsTokenRevokedFunc = func(ctx context.Context, jti string) (bool, error) {
		return true, nil
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: pendingToken,
		Code:           "123456",
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestAuthenticate_AccessTokenRejected(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	// An access token is not a valid pending token
	accessToken, err := env.tokenMgr.GenerateAccessToken("user123", "user@example.com")
	require.NoError(t, err)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: accessToken,
		Code:           "123456",
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestAuthenticate_InvalidCode(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	pendingToken, err := env.tokenMgr.GenerateTwoFactorToken("user123", "user@example.com")
	require.NoError(t, err)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: pendingToken,
		Code:           "000000",
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

func TestAuthenticate_RateLimited(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	pendingToken, err := env.tokenMgr.GenerateTwoFactorToken("user123", "user@example.com")
	require.NoError(t, err)

	env.attemptRepo.CountFailedSinceFunc = func(ctx context.Context, userID string, since time.Time) (int, error) {
		return 5, nil
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: pendingToken,
		Code:           "123456",
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	handlers.AssertErrorResponse(t, w, 429, "rate_limit_exceeded")
}

func TestAuthenticate_BadCodeFormat(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/authenticate", handlers.AuthenticateRequest{
		TwoFactorToken: "some-token",
		Code:           "12345",
	})
	w := httptest.NewRecorder()
	env.handler.Authenticate(w, req)

	handlers.AssertErrorResponse(t, w, 400, "bad_request")
}

// ===== BeginSetup =====

func TestBeginSetup_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	user := services.NewTestUser("user123", "user@example.com", "Test User")
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/setup", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.BeginSetup(w, req)

	var resp handlers.BeginSetupResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.NotEmpty(t, resp.DeviceID)
	assert.NotEmpty(t, resp.Secret)
	assert.Contains(t, resp.OtpauthURL, "otpauth://totp/")
	assert.Equal(t, 6, resp.Digits)
}

func TestBeginSetup_AlreadyEnabled(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/setup", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.BeginSetup(w, req)

	handlers.AssertErrorResponse(t, w, 409, "conflict")
}

func TestBeginSetup_Unauthenticated(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/setup", nil)
	w := httptest.NewRecorder()
	env.handler.BeginSetup(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

// ===== ConfirmSetup =====

func TestConfirmSetup_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	secret, err := env.totpMgr.GenerateSecret("user@example.com")
	require.NoError(t, err)
	encrypted, nonce, err := env.totpMgr.EncryptSecret(secret)
	require.NoError(t, err)

	device := services.NewTestDeviceUnconfirmed("device_123", "user123", encrypted, nonce)
	user := services.NewTestUser("user123", "user@example.com", "Test User")

	env.deviceRepo.GetUnconfirmedFunc = func(ctx context.Context, id string) (*models.TOTPDevice, error) {
		return device, nil
	}
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/setup/confirm", handlers.ConfirmSetupRequest{
		Code: code,
	})
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.ConfirmSetup(w, req)

	var resp handlers.ConfirmSetupResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Success)
	assert.Len(t, resp.BackupTokens, 3)
}

func TestConfirmSetup_NoPendingDevice(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/setup/confirm", handlers.ConfirmSetupRequest{
		Code: "123456",
	})
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.ConfirmSetup(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

// ===== QRCode =====

func TestQRCode_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	secret, err := env.totpMgr.GenerateSecret("user@example.com")
	require.NoError(t, err)
	encrypted, nonce, err := env.totpMgr.EncryptSecret(secret)
	require.NoError(t, err)

	device := services.NewTestDeviceUnconfirmed("device_123", "user123", encrypted, nonce)
	user := services.NewTestUser("user123", "user@example.com", "Test User")

	env.deviceRepo.GetUnconfirmedFunc = func(ctx context.Context, id string) (*models.TOTPDevice, error) {
		return device, nil
	}
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/qrcode", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.QRCode(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Greater(t, w.Body.Len(), 0)
}

func TestQRCode_InvalidSize(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	for _, size := range []string{"10", "2000", "abc"} {
		req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/qrcode?size="+size, nil)
		req = handlers.WithAuthContext(req, "user123", "user@example.com")
		w := httptest.NewRecorder()
		env.handler.QRCode(w, req)

		handlers.AssertErrorResponse(t, w, 400, "bad_request")
	}
}

func TestQRCode_NoPendingDevice(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/qrcode", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.QRCode(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

// ===== Remove =====

func TestRemove_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	secret := env.enrollUser(t, "user123", "user@example.com")

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/remove", handlers.RemoveRequest{
		Code: code,
	})
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.Remove(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRemove_NotEnrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/remove", handlers.RemoveRequest{
		Code: "123456",
	})
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.Remove(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

func TestRemove_InvalidCode(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/remove", handlers.RemoveRequest{
		Code: "000000",
	})
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.Remove(w, req)

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}

// ===== Backup tokens =====

func TestBackupTokenStatus_Enrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	env.tokenRepo.CountUnusedFunc = func(ctx context.Context, userID string) (int, error) {
		return 2, nil
	}

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/backup-tokens", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.BackupTokenStatus(w, req)

	var resp handlers.BackupTokenStatusResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, 2, resp.Remaining)
}

func TestBackupTokenStatus_NotEnrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	user := services.NewTestUser("user123", "user@example.com", "Test User")
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/backup-tokens", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.BackupTokenStatus(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

func TestRegenerateBackupTokens_Success(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/backup-tokens", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.RegenerateBackupTokens(w, req)

	var resp handlers.RegenerateBackupTokensResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Len(t, resp.BackupTokens, 3)
}

func TestRegenerateBackupTokens_NotEnrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	req := handlers.NewTestRequest(t, "POST", "/auth/two-factor/backup-tokens", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.RegenerateBackupTokens(w, req)

	handlers.AssertErrorResponse(t, w, 404, "not_found")
}

// ===== Status =====

func TestStatus_Enrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)
	env.enrollUser(t, "user123", "user@example.com")

	env.deviceRepo.GetByUserIDFunc = func(ctx context.Context, userID string) ([]models.TOTPDevice, error) {
		device, err := env.deviceRepo.GetConfirmed(context.Background(), userID)
		if err != nil {
			return nil, err
		}
		return []models.TOTPDevice{*device}, nil
	}
	env.tokenRepo.CountUnusedFunc = func(ctx context.Context, userID string) (int, error) {
		return 3, nil
	}

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/status", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.Status(w, req)

	var resp handlers.TwoFactorStatusResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.True(t, resp.Enabled)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "device_123", resp.Devices[0].DeviceID)
	assert.True(t, resp.Devices[0].Confirmed)
	assert.Equal(t, 3, resp.BackupRemaining)

	// Secret material never appears in the status payload
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestStatus_NotEnrolled(t *testing.T) {
	env := newTwoFactorTestEnv(t)

	user := services.NewTestUser("user123", "user@example.com", "Test User")
	env.userRepo.GetByIDFunc = func(ctx context.Context, id string) (*models.User, error) {
		return user, nil
	}

	req := handlers.NewTestRequest(t, "GET", "/auth/two-factor/status", nil)
	req = handlers.WithAuthContext(req, "user123", "user@example.com")
	w := httptest.NewRecorder()
	env.handler.Status(w, req)

	var resp handlers.TwoFactorStatusResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.False(t, resp.Enabled)
	assert.Empty(t, resp.Devices)
}
