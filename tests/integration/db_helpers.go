package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/bastionauth/bastion/internal/auth"
	"github.com/bastionauth/bastion/internal/database"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/repositories"
)

// TestDB manages a PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("bastion"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := database.NewFromPool(pool, slog.Default())

	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Suppress goose logs
	goose.SetLogger(log.New(io.Discard, "", 0))

	if err := db.Migrate(ctx, migrationsDir); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         db,
	}, nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"twofactor_attempts",
		"static_tokens",
		"totp_devices",
		"revoked_tokens",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from the database wrapper
func InitializeRepositories(db *database.DB) (
	*repositories.UserRepository,
	*repositories.TokenRevocationRepository,
	repositories.TOTPDeviceRepository,
	repositories.StaticTokenRepository,
	repositories.TwoFactorAttemptRepository,
) {
	return repositories.NewUserRepository(db),
		repositories.NewTokenRevocationRepository(db),
		repositories.NewTOTPDeviceRepository(db.Pool),
		repositories.NewStaticTokenRepository(db.Pool),
		repositories.NewTwoFactorAttemptRepository(db.Pool)
}

// SeedUser inserts a test user with a hashed password
func SeedUser(ctx context.Context, pool *pgxpool.Pool, email, password string, twoFactorEnabled bool) (*models.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (email, password_hash, email_verified, two_factor_enabled)
		VALUES ($1, $2, true, $3)
		RETURNING id, email, name, password_hash, email_verified, role, status,
			two_factor_enabled, two_factor_enrolled_at, created_at, updated_at
	`

	var user models.User
	err = pool.QueryRow(ctx, query, email, string(hashedPassword), twoFactorEnabled).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.Role,
		&user.Status,
		&user.TwoFactorEnabled,
		&user.TwoFactorEnrolledAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	return &user, nil
}

// SeedConfirmedDevice creates a confirmed authenticator device for a user and
// returns the plaintext base32 secret so tests can generate valid codes.
func SeedConfirmedDevice(ctx context.Context, pool *pgxpool.Pool, totpMgr *auth.TOTPManager, userID string) (string, error) {
	secret, err := totpMgr.GenerateSecret("seed@example.com")
	if err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	encrypted, nonce, err := totpMgr.EncryptSecret(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt secret: %w", err)
	}

	query := `
		INSERT INTO totp_devices (user_id, name, secret_encrypted, secret_nonce, digits, confirmed_at)
		VALUES ($1, 'default', $2, $3, $4, NOW())
	`

	if _, err := pool.Exec(ctx, query, userID, encrypted, nonce, totpMgr.Digits()); err != nil {
		return "", fmt.Errorf("failed to insert device: %w", err)
	}

	return secret, nil
}

// SeedBackupTokens inserts backup tokens for a user, storing only bcrypt hashes
func SeedBackupTokens(ctx context.Context, pool *pgxpool.Pool, userID string, tokens []string) error {
	for _, token := range tokens {
		hash, err := bcrypt.GenerateFromPassword([]byte(token), 10)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}

		query := `INSERT INTO static_tokens (user_id, token_hash) VALUES ($1, $2)`
		if _, err := pool.Exec(ctx, query, userID, string(hash)); err != nil {
			return fmt.Errorf("failed to insert backup token: %w", err)
		}
	}

	return nil
}
