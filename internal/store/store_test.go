package store

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolationMatchesCode(t *testing.T) {
	err := &pgconn.PgError{Code: pgUniqueViolationCode}
	require.True(t, isUniqueViolation(err))
}

func TestIsUniqueViolationRejectsOtherCodes(t *testing.T) {
	err := &pgconn.PgError{Code: "23503"} // foreign_key_violation
	require.False(t, isUniqueViolation(err))
}

func TestIsUniqueViolationRejectsNonPgError(t *testing.T) {
	require.False(t, isUniqueViolation(errors.New("boom")))
}

func TestIsUniqueViolationUnwrapsWrappedError(t *testing.T) {
	err := errors.Join(errors.New("wrapped"), &pgconn.PgError{Code: pgUniqueViolationCode})
	require.True(t, isUniqueViolation(err))
}
