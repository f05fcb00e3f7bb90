package repositories

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStorageUnavailable indicates the database could not be reached. It is the
// only repository failure callers should treat as a hard error.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	pgUniqueViolation     = "23505"
	pgInvalidTextEncoding = "22P02"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
