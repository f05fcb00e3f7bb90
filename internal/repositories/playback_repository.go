package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/accessgate/internal/db"
	"github.com/vidfriends/accessgate/internal/playback"
)

// PostgresPlaybackRepository persists playback token rows keyed by digest.
type PostgresPlaybackRepository struct {
	pool db.Pool
}

// NewPostgresPlaybackRepository constructs a playback repository backed by PostgreSQL.
func NewPostgresPlaybackRepository(pool db.Pool) *PostgresPlaybackRepository {
	return &PostgresPlaybackRepository{pool: pool}
}

// Insert stores a new token row.
func (r *PostgresPlaybackRepository) Insert(ctx context.Context, token playback.Token) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO playback_tokens (token_digest, subject, resource_id, issued_at, expires_at, bound_ip, sealed_claims)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, token.Digest, token.Subject, token.ResourceID, token.IssuedAt.UTC(), token.ExpiresAt.UTC(), token.BoundIP, token.Sealed)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return errors.New("playback token digest collision")
		}
		return fmt.Errorf("insert playback token: %w", err)
	}

	return nil
}

// FindByDigest loads a token row.
func (r *PostgresPlaybackRepository) FindByDigest(ctx context.Context, digest string) (playback.Token, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return playback.Token{}, unavailable("acquire connection", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT token_digest, subject, resource_id, issued_at, expires_at, bound_ip, sealed_claims
        FROM playback_tokens
        WHERE token_digest = $1
    `, digest)

	var token playback.Token
	if err := row.Scan(&token.Digest, &token.Subject, &token.ResourceID, &token.IssuedAt, &token.ExpiresAt, &token.BoundIP, &token.Sealed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return playback.Token{}, playback.ErrNotFound
		}
		return playback.Token{}, fmt.Errorf("select playback token: %w", err)
	}

	token.IssuedAt = token.IssuedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()
	return token, nil
}

// Delete removes a token row.
func (r *PostgresPlaybackRepository) Delete(ctx context.Context, digest string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM playback_tokens
        WHERE token_digest = $1
    `, digest)
	if err != nil {
		return fmt.Errorf("delete playback token: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return playback.ErrNotFound
	}

	return nil
}

// DeleteExpired hard-deletes rows whose expiry is at or before now.
func (r *PostgresPlaybackRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return 0, unavailable("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM playback_tokens
        WHERE expires_at <= $1
    `, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired playback tokens: %w", err)
	}

	return tag.RowsAffected(), nil
}

var _ playback.Repository = (*PostgresPlaybackRepository)(nil)
