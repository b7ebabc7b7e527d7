package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StaticTokenRepository defines backup token persistence operations
type StaticTokenRepository interface {
	CreateBatch(ctx context.Context, userID string, tokenHashes []string) error
	GetUnusedByUserID(ctx context.Context, userID string) ([]models.StaticToken, error)
	CountUnused(ctx context.Context, userID string) (int, error)
	MarkUsed(ctx context.Context, tokenID string) error
	DeleteByUserID(ctx context.Context, userID string) error
}

type staticTokenRepoImpl struct {
	db *pgxpool.Pool
}

// NewStaticTokenRepository creates a new static token repository
func NewStaticTokenRepository(db *pgxpool.Pool) StaticTokenRepository {
	return &staticTokenRepoImpl{db: db}
}

// CreateBatch inserts a fresh set of hashed backup tokens for a user
func (r *staticTokenRepoImpl) CreateBatch(ctx context.Context, userID string, tokenHashes []string) error {
	query := `
		INSERT INTO static_tokens (user_id, token_hash)
		SELECT $1, unnest($2::text[])
	`

	_, err := r.db.Exec(ctx, query, userID, tokenHashes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to create static tokens: %w", err)
	}

	return nil
}

func (r *staticTokenRepoImpl) GetUnusedByUserID(ctx context.Context, userID string) ([]models.StaticToken, error) {
	query := `
		SELECT id, user_id, token_hash, used_at, created_at
		FROM static_tokens
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query static tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.StaticToken
	for rows.Next() {
		var token models.StaticToken
		if err := rows.Scan(
			&token.ID,
			&token.UserID,
			&token.TokenHash,
			&token.UsedAt,
			&token.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan static token: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating static tokens: %w", err)
	}

	return tokens, nil
}

func (r *staticTokenRepoImpl) CountUnused(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM static_tokens WHERE user_id = $1 AND used_at IS NULL`

	var count int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count static tokens: %w", err)
	}
	return count, nil
}

// MarkUsed consumes a token. The used_at guard makes consumption atomic: a
// token can only transition unused -> used once.
func (r *staticTokenRepoImpl) MarkUsed(ctx context.Context, tokenID string) error {
	query := `
		UPDATE static_tokens
		SET used_at = NOW()
		WHERE id = $1 AND used_at IS NULL
		RETURNING id
	`

	var id string
	err := r.db.QueryRow(ctx, query, tokenID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to mark static token used: %w", err)
	}

	return nil
}

func (r *staticTokenRepoImpl) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM static_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete static tokens: %w", err)
	}
	return nil
}
