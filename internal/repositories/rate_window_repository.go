package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/vidfriends/accessgate/internal/db"
	"github.com/vidfriends/accessgate/internal/ratelimit"
)

// PostgresRateWindowStore keeps rate windows in PostgreSQL so limits hold
// across every process sharing the database.
type PostgresRateWindowStore struct {
	pool db.Pool
}

// NewPostgresRateWindowStore constructs a rate window store backed by PostgreSQL.
func NewPostgresRateWindowStore(pool db.Pool) *PostgresRateWindowStore {
	return &PostgresRateWindowStore{pool: pool}
}

// Increment resets an elapsed window and counts the attempt in one upsert.
func (s *PostgresRateWindowStore) Increment(ctx context.Context, key ratelimit.Key, window time.Duration, now time.Time) (ratelimit.Window, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return ratelimit.Window{}, unavailable("acquire connection", err)
	}
	defer conn.Release()

	now = now.UTC()
	cutoff := now.Add(-window)
	// Rounded up so a sweep never ends a sub-second window early.
	seconds := int64((window + time.Second - 1) / time.Second)

	row := conn.QueryRow(ctx, `
        INSERT INTO rate_windows (identity_key, action, hits, window_start, window_seconds)
        VALUES ($1, $2, 1, $3, $4)
        ON CONFLICT (identity_key, action)
        DO UPDATE SET
            hits = CASE WHEN rate_windows.window_start <= $5 THEN 1 ELSE rate_windows.hits + 1 END,
            window_start = CASE WHEN rate_windows.window_start <= $5 THEN $3 ELSE rate_windows.window_start END,
            window_seconds = $4
        RETURNING hits, window_start
    `, key.Identity, key.Action, now, seconds, cutoff)

	w := ratelimit.Window{Length: window}
	if err := row.Scan(&w.Count, &w.Start); err != nil {
		return ratelimit.Window{}, fmt.Errorf("increment rate window: %w", err)
	}
	w.Start = w.Start.UTC()
	return w, nil
}

// Sweep deletes windows whose stored length has elapsed at now.
func (s *PostgresRateWindowStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, unavailable("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM rate_windows
        WHERE window_start + window_seconds * INTERVAL '1 second' <= $1
    `, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep rate windows: %w", err)
	}

	return tag.RowsAffected(), nil
}

var _ ratelimit.Store = (*PostgresRateWindowStore)(nil)
