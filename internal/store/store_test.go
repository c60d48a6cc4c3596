package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "orders_idempotency_key_key"})
	require.True(t, IsUniqueViolation(unique))
	require.True(t, IsUniqueViolation(unique, "orders_idempotency_key_key"))
	require.False(t, IsUniqueViolation(unique, "payments_reference_key"))
	require.False(t, IsForeignKeyViolation(unique))

	require.True(t, IsForeignKeyViolation(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}))
	require.True(t, IsInvalidText(&pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}))
	require.True(t, IsNotFound(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	require.False(t, IsNotFound(errors.New("boom")))
}

func TestUUIDHelpers(t *testing.T) {
	id, err := ParseUUID("0b7a6f5e-1c2d-4e3f-8a9b-0c1d2e3f4a5b")
	require.NoError(t, err)
	require.Equal(t, "0b7a6f5e-1c2d-4e3f-8a9b-0c1d2e3f4a5b", UUIDString(id))
	require.True(t, UUIDEqual(id, id))

	_, err = ParseUUID("not-a-uuid")
	require.Error(t, err)
	require.Equal(t, "", UUIDString(pgtype.UUID{}))
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/app?sslmode=disable", migrateURL("postgres://u:p@db:5432/app?sslmode=disable"))
	require.Equal(t, "pgx5://db/app", migrateURL("postgresql://db/app"))
	require.Equal(t, "pgx5://db/app", migrateURL("pgx5://db/app"))
}

func TestText(t *testing.T) {
	require.False(t, Text("").Valid)
	require.Equal(t, "x", Text("x").String)
}
