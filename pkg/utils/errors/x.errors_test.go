package xerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestFromPGUniqueViolationMatchesConstraint(t *testing.T) {
	idem := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: ConstraintIdempotency})
	err := FromPG(idem)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	assert.Equal(t, "duplicate_request", Reason(err))

	ref := &pgconn.PgError{Code: "23505", ConstraintName: "transactions_reference_number_key"}
	err = FromPG(ref)
	assert.NotErrorIs(t, err, ErrDuplicateIdempotencyKey)
	assert.ErrorIs(t, err, ErrDuplicateRecord)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestFromPGLockAndTimeoutCodes(t *testing.T) {
	for _, code := range []string{"55P03", "40P01", "40001"} {
		err := FromPG(&pgconn.PgError{Code: code})
		assert.ErrorIs(t, err, ErrBusy, code)
		assert.True(t, Retryable(err), code)
	}

	assert.ErrorIs(t, FromPG(&pgconn.PgError{Code: "57014"}), ErrTimeout)
	assert.ErrorIs(t, FromPG(fmt.Errorf("exec: %w", context.DeadlineExceeded)), ErrTimeout)
}

func TestFromPGPassesThroughUnknown(t *testing.T) {
	plain := errors.New("conn reset")
	assert.Same(t, plain, FromPG(plain))
	assert.NoError(t, FromPG(nil))

	check := &pgconn.PgError{Code: "23514"}
	assert.Same(t, error(check), FromPG(check))
}
