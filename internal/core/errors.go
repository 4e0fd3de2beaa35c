package core

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// The error kinds surfaced by the repository. The API layer maps these to
// status codes with errors.Is; everything else is a 500.
var (
	// ErrValidation marks input rejected by the repository or the cron
	// evaluator. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a failed ownership or soft-delete check.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a uniqueness violation (user email).
	ErrConflict = errors.New("conflict")

	// ErrConcurrency marks a transaction serialization failure. Callers may
	// retry a bounded number of times.
	ErrConcurrency = errors.New("concurrency conflict")
)

// translateDBError maps driver-level failures onto the repository taxonomy.
func translateDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "40001", "40P01":
			return ErrConcurrency
		}
	}
	return err
}
