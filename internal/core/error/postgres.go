package errx

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// WrapPostgres maps pgx errors to the unified error type. A missing row
// becomes a not-found error carrying what, everything else a database error.
func WrapPostgres(err error, what string) *AppError {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound(err, what+" not found")
	}
	return Database(err)
}
