package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidfriends/accessgate/internal/db"
	"github.com/vidfriends/accessgate/internal/giftcodes"
)

const giftCodeColumns = `id, code, duration_minutes, max_uses, uses_count, expires_at, status, metadata, created_at, updated_at, allowed_ips::TEXT[]`

// PostgresGiftCodeStore provides PostgreSQL-backed persistence for gift codes.
type PostgresGiftCodeStore struct {
	pool db.Pool
}

// NewPostgresGiftCodeStore constructs a gift code store backed by PostgreSQL.
func NewPostgresGiftCodeStore(pool db.Pool) *PostgresGiftCodeStore {
	return &PostgresGiftCodeStore{pool: pool}
}

// Insert persists a new gift code.
func (s *PostgresGiftCodeStore) Insert(ctx context.Context, code giftcodes.Code) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Release()

	metadata, err := json.Marshal(code.Metadata)
	if err != nil {
		return fmt.Errorf("encode gift code metadata: %w", err)
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO gift_codes (id, code, duration_minutes, max_uses, uses_count, expires_at, status, metadata, created_at, updated_at, allowed_ips)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::TEXT[]::INET[])
    `, code.ID, code.Code, code.DurationMinutes, code.MaxUses, code.UsesCount, nullTime(code.ExpiresAt),
		string(code.Status), string(metadata), code.CreatedAt.UTC(), code.UpdatedAt.UTC(), giftcodes.AllowlistStrings(code.AllowedIPs))
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return giftcodes.ErrDuplicate
		}
		return fmt.Errorf("insert gift code: %w", err)
	}

	return nil
}

// FindByCode fetches a gift code by its exact stored value.
func (s *PostgresGiftCodeStore) FindByCode(ctx context.Context, code string) (giftcodes.Code, error) {
	return s.findOne(ctx, "code", code)
}

// FindByID fetches a gift code by id.
func (s *PostgresGiftCodeStore) FindByID(ctx context.Context, id string) (giftcodes.Code, error) {
	return s.findOne(ctx, "id", id)
}

func (s *PostgresGiftCodeStore) findOne(ctx context.Context, column, value string) (giftcodes.Code, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return giftcodes.Code{}, unavailable("acquire connection", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+giftCodeColumns+` FROM gift_codes WHERE `+column+` = $1`, value)

	code, err := scanGiftCode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgCode(err) == pgInvalidTextEncoding {
			return giftcodes.Code{}, giftcodes.ErrNotFound
		}
		return giftcodes.Code{}, fmt.Errorf("select gift code by %s: %w", column, err)
	}

	return code, nil
}

// IncrementUses consumes one use in a single conditional update. The status
// flips to exhausted in the same statement when the bound is reached, and a
// non-empty allowlist must contain clientIP.
func (s *PostgresGiftCodeStore) IncrementUses(ctx context.Context, id string, clientIP netip.Addr, now time.Time) (giftcodes.Code, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return giftcodes.Code{}, unavailable("acquire connection", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        UPDATE gift_codes
        SET uses_count = uses_count + 1,
            status = CASE WHEN max_uses > 0 AND uses_count + 1 >= max_uses THEN 'exhausted' ELSE status END,
            updated_at = $2
        WHERE id = $1
          AND status = 'active'
          AND (expires_at IS NULL OR expires_at >= $2)
          AND (max_uses = 0 OR uses_count < max_uses)
          AND (cardinality(allowed_ips) = 0 OR $3::TEXT::INET <<= ANY(allowed_ips))
        RETURNING `+giftCodeColumns, id, now.UTC(), clientAddr(clientIP))

	code, err := scanGiftCode(row)
	if err == nil {
		return code, nil
	}
	if pgCode(err) == pgInvalidTextEncoding {
		return giftcodes.Code{}, giftcodes.ErrNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return giftcodes.Code{}, fmt.Errorf("increment gift code uses: %w", err)
	}

	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gift_codes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return giftcodes.Code{}, fmt.Errorf("check gift code exists: %w", err)
	}
	if !exists {
		return giftcodes.Code{}, giftcodes.ErrNotFound
	}
	return giftcodes.Code{}, giftcodes.ErrConflict
}

// SetStatus updates the lifecycle status of a code.
func (s *PostgresGiftCodeStore) SetStatus(ctx context.Context, id string, status giftcodes.Status, now time.Time) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return unavailable("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE gift_codes
        SET status = $2, updated_at = $3
        WHERE id = $1
    `, id, string(status), now.UTC())
	if err != nil {
		if pgCode(err) == pgInvalidTextEncoding {
			return giftcodes.ErrNotFound
		}
		return fmt.Errorf("update gift code status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return giftcodes.ErrNotFound
	}

	return nil
}

// List returns codes newest first.
func (s *PostgresGiftCodeStore) List(ctx context.Context, filter giftcodes.ListFilter) ([]giftcodes.Code, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("acquire connection", err)
	}
	defer conn.Release()

	limit := int64(math.MaxInt32)
	if filter.Limit > 0 {
		limit = int64(filter.Limit)
	}

	rows, err := conn.Query(ctx, `
        SELECT `+giftCodeColumns+`
        FROM gift_codes
        WHERE ($1 = '' OR status = $1)
        ORDER BY created_at DESC, code ASC
        LIMIT $2 OFFSET $3
    `, string(filter.Status), limit, int64(max(filter.Offset, 0)))
	if err != nil {
		return nil, fmt.Errorf("query gift codes: %w", err)
	}
	defer rows.Close()

	var codes []giftcodes.Code
	for rows.Next() {
		code, err := scanGiftCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gift code: %w", err)
		}
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gift codes: %w", err)
	}

	return codes, nil
}

// MarkExpired persists the expired status for active codes past their expiry.
func (s *PostgresGiftCodeStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, unavailable("acquire connection", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE gift_codes
        SET status = 'expired', updated_at = $1
        WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
    `, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark gift codes expired: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanGiftCode(row pgx.Row) (giftcodes.Code, error) {
	var (
		code      giftcodes.Code
		status    string
		expiresAt sql.NullTime
		metadata  []byte
		allowed   []string
	)
	if err := row.Scan(&code.ID, &code.Code, &code.DurationMinutes, &code.MaxUses, &code.UsesCount,
		&expiresAt, &status, &metadata, &code.CreatedAt, &code.UpdatedAt, &allowed); err != nil {
		return giftcodes.Code{}, err
	}

	prefixes, err := giftcodes.ParseAllowlist(allowed)
	if err != nil {
		return giftcodes.Code{}, fmt.Errorf("decode gift code allowlist: %w", err)
	}
	code.AllowedIPs = prefixes

	code.Status = giftcodes.Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		code.ExpiresAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &code.Metadata); err != nil {
			return giftcodes.Code{}, fmt.Errorf("decode gift code metadata: %w", err)
		}
	}
	code.CreatedAt = code.CreatedAt.UTC()
	code.UpdatedAt = code.UpdatedAt.UTC()
	return code, nil
}

// clientAddr passes an unparseable caller address as NULL so it matches no prefix.
func clientAddr(addr netip.Addr) any {
	if !addr.IsValid() {
		return nil
	}
	return addr.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Valid: true, Time: t.UTC()}
}

var _ giftcodes.Store = (*PostgresGiftCodeStore)(nil)
