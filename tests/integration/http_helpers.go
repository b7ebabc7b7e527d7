package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/config"
	"github.com/bastionauth/bastion/internal/database"
	"github.com/bastionauth/bastion/internal/handlers"
	middlewareCustom "github.com/bastionauth/bastion/internal/middleware"
	"github.com/bastionauth/bastion/internal/routes"
	"github.com/bastionauth/bastion/internal/services"
	pkghttp "github.com/bastionauth/bastion/pkg/http"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

// SentNotification is a captured security notification email
type SentNotification struct {
	To    string
	Event string
}

// MockEmailService captures security notifications for test assertions
type MockEmailService struct {
	Sent []SentNotification
	mu   sync.Mutex
}

// SendSecurityNotification records the notification
func (m *MockEmailService) SendSecurityNotification(ctx context.Context, email, event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Sent = append(m.Sent, SentNotification{To: email, Event: event})
	return nil
}

// GetLastNotification returns the most recent notification sent
func (m *MockEmailService) GetLastNotification() *SentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Sent) == 0 {
		return nil
	}
	return &m.Sent[len(m.Sent)-1]
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server       *httptest.Server
	DB           *database.DB
	EmailService *MockEmailService
	Config       *config.Config

	// Dependency references for inspection in tests
	TokenManager *auth.TokenManager
	TOTPManager  *auth.TOTPManager
	logger       *slog.Logger
}

// NewTestServer initializes a complete HTTP server with a real database and mocked email
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:  15 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
			CleanupInterval:    1 * time.Hour,
		},
		TwoFactor: config.TwoFactorConfig{
			EncryptionKey:      bytes.Repeat([]byte{0x42}, 32),
			Issuer:             "BastionTest",
			Digits:             6,
			Period:             30,
			BackupTokenCount:   3,
			PendingTokenExpiry: 5 * time.Minute,
			SetupExpiry:        15 * time.Minute,
			MaxAttempts:        5,
			AttemptWindow:      15 * time.Minute,
		},
		Server: config.ServerConfig{
			Port:           "0",
			Env:            "test",
			AllowedOrigins: []string{},
		},
	}

	userRepo, revokeRepo, deviceRepo, staticTokenRepo, attemptRepo := InitializeRepositories(db)

	mockEmail := &MockEmailService{}

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
		cfg.TwoFactor.PendingTokenExpiry,
	)

	totpManager, err := auth.NewTOTPManager(
		cfg.TwoFactor.EncryptionKey,
		cfg.TwoFactor.Issuer,
		cfg.TwoFactor.Digits,
		cfg.TwoFactor.Period,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TOTP manager: %w", err)
	}

	auditLogger := pkglogger.NewAuditLogger(logger)

	authService := services.NewAuthService(userRepo, deviceRepo, tokenManager, revokeRepo, logger, auditLogger)
	twoFactorService := services.NewTwoFactorService(
		deviceRepo,
		staticTokenRepo,
		attemptRepo,
		userRepo,
		totpManager,
		mockEmail,
		logger,
		auditLogger,
		services.TwoFactorConfig{
			MaxAttempts:      cfg.TwoFactor.MaxAttempts,
			AttemptWindow:    cfg.TwoFactor.AttemptWindow,
			BackupTokenCount: cfg.TwoFactor.BackupTokenCount,
		},
	)

	ipConfig := &pkghttp.IPConfig{}
	authHandler := handlers.NewAuthHandler(authService, ipConfig)
	twoFactorHandler := handlers.NewTwoFactorHandler(
		twoFactorService,
		tokenManager,
		userRepo,
		revokeRepo,
		ipConfig,
		logger,
	)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, authHandler, twoFactorHandler, tokenManager, revokeRepo)

	server := httptest.NewServer(r)

	return &TestServer{
		Server:       server,
		DB:           db,
		EmailService: mockEmail,
		Config:       cfg,
		TokenManager: tokenManager,
		TOTPManager:  totpManager,
		logger:       logger,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with an access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses the JSON response body into target
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractTokensFromResponse extracts tokens from a login/authenticate response
func ExtractTokensFromResponse(resp *http.Response) (accessToken, refreshToken, pendingToken string, twoFactorRequired bool, err error) {
	defer resp.Body.Close()

	var authResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", "", "", false, fmt.Errorf("failed to parse response: %w", err)
	}

	if access, ok := authResp["access_token"].(string); ok {
		accessToken = access
	}
	if refresh, ok := authResp["refresh_token"].(string); ok {
		refreshToken = refresh
	}
	if pending, ok := authResp["two_factor_token"].(string); ok {
		pendingToken = pending
	}
	if required, ok := authResp["two_factor_required"].(bool); ok {
		twoFactorRequired = required
	}

	return
}

// GetErrorMessage extracts the error message from an error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}
