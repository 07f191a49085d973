package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{fmt.Errorf("attach: %w", &pgconn.PgError{Code: CodeUniqueViolation, ConstraintName: "members_pkey"}), true},
		{errors.New("Error 1062: Duplicate entry"), true},
		{errors.New("UNIQUE constraint failed: members.id"), true},
		{&pgconn.PgError{Code: CodeSerializationFailure}, false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err), "%v", tc.err)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("close period: %w", &pgconn.PgError{Code: CodeDeadlockDetected})))
	assert.True(t, IsTransient(&pgconn.PgError{Code: CodeLockNotAvailable}))
	assert.True(t, IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsTransient(&pgconn.PgError{Code: CodeUniqueViolation}))
	assert.False(t, IsTransient(nil))
}

func TestIsDriverError(t *testing.T) {
	assert.True(t, IsDriverError(&pgconn.PgError{Code: "42P01"}))
	assert.True(t, IsDriverError(fmt.Errorf("list: %w", gorm.ErrInvalidTransaction)))
	assert.False(t, IsDriverError(gorm.ErrRecordNotFound))
	assert.False(t, IsDriverError(errors.New("member not onboarded")))
	assert.Equal(t, "", PGCode(errors.New("plain")))
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
	_, err = Dialect(Config{Type: "sqlite"})
	assert.NoError(t, err)
}
