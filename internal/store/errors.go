package store

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound aliases pgx.ErrNoRows so callers and fakes agree on one sentinel.
var ErrNotFound = pgx.ErrNoRows

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports a duplicate key, optionally on a specific constraint.
func IsUniqueViolation(err error, constraint ...string) bool {
	return hasCode(err, pgerrcode.UniqueViolation, constraint...)
}

// IsForeignKeyViolation reports a dangling reference, e.g. an order item
// pointing at a product that no longer exists.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, pgerrcode.ForeignKeyViolation)
}

// IsInvalidText reports malformed input for a typed column such as a uuid.
func IsInvalidText(err error) bool {
	return hasCode(err, pgerrcode.InvalidTextRepresentation)
}

func hasCode(err error, code string, constraint ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	if len(constraint) == 0 {
		return true
	}
	for _, c := range constraint {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}
