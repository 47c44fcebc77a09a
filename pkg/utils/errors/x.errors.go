package xerrors

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind groups errors by how callers should react to them.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindSelfTransfer      Kind = "self_transfer"
	KindBusy              Kind = "busy"
	KindTimeout           Kind = "timeout"
	KindLocked            Kind = "locked"
	KindInternal          Kind = "internal"
)

func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input provided")
)

// Transfers
var (
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrInvalidAccountNumber    = errors.New("account number must be 10 to 20 characters")
	ErrDescriptionTooLong      = errors.New("description must not exceed 200 characters")
	ErrIdempotencyKeyTooLong   = errors.New("idempotency key must not exceed 128 characters")
	ErrAccountAccessDenied     = errors.New("account access denied")
	ErrAccountNotFound         = errors.New("source account not found")
	ErrAccountInactive         = errors.New("account is not active")
	ErrRecipientNotFound       = errors.New("recipient account not found")
	ErrSelfTransfer            = errors.New("cannot transfer to the same account")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrConcurrentModification  = errors.New("account modified concurrently")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateRecord         = errors.New("duplicate record")
	ErrBusy                    = errors.New("account is busy, retry the transfer")
	ErrTimeout                 = errors.New("transfer timed out, retry the transfer")
	ErrStoreUnavailable        = errors.New("store unavailable")
)

// Registration / Login
var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password must be at least 8 characters long")
	ErrInvalidEmailFormat = errors.New("invalid email format")
)

// Verification / OTP
var (
	ErrInvalidOTP         = errors.New("invalid otp")
	ErrExpiredOTP         = errors.New("otp expired or not found")
	ErrTooManyOTPRequests = errors.New("too many otp requests")
	ErrOTPBlocked         = errors.New("too many failed attempts, account temporarily locked")
)

// Token
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type classified struct {
	err    error
	kind   Kind
	reason string
}

// Order matters: the first match wins.
var table = []classified{
	{ErrInvalidAmount, KindValidation, "invalid_amount"},
	{ErrInvalidAccountNumber, KindValidation, "invalid_account_number"},
	{ErrDescriptionTooLong, KindValidation, "description_too_long"},
	{ErrIdempotencyKeyTooLong, KindValidation, "invalid_idempotency_key"},
	{ErrWeakPassword, KindValidation, "weak_password"},
	{ErrInvalidEmailFormat, KindValidation, "invalid_email"},
	{ErrInvalidRequest, KindValidation, "invalid_request"},
	{ErrInvalidInput, KindValidation, "invalid_input"},
	{ErrUserAlreadyExists, KindValidation, "user_exists"},

	{ErrAccountAccessDenied, KindAuthorization, "account_access_denied"},
	{ErrUnauthorized, KindAuthorization, "unauthorized"},
	{ErrForbidden, KindAuthorization, "forbidden"},
	{ErrInvalidCredentials, KindAuthorization, "invalid_credentials"},
	{ErrInvalidToken, KindAuthorization, "invalid_token"},
	{ErrExpiredToken, KindAuthorization, "expired_token"},
	{ErrInvalidOTP, KindAuthorization, "otp_invalid"},
	{ErrExpiredOTP, KindAuthorization, "otp_expired"},

	{ErrAccountNotFound, KindNotFound, "account_not_found"},
	{ErrAccountInactive, KindNotFound, "account_not_found"},
	{ErrRecipientNotFound, KindNotFound, "recipient_not_found"},
	{ErrUserNotFound, KindNotFound, "user_not_found"},
	{ErrNotFound, KindNotFound, "not_found"},

	{ErrInsufficientBalance, KindInsufficientFunds, "insufficient_funds"},
	{ErrSelfTransfer, KindSelfTransfer, "self_transfer_rejected"},

	{ErrBusy, KindBusy, "busy"},
	{ErrConcurrentModification, KindBusy, "busy"},
	{ErrDuplicateIdempotencyKey, KindBusy, "duplicate_request"},
	{ErrTimeout, KindTimeout, "timeout"},

	{ErrOTPBlocked, KindLocked, "otp_locked"},
	{ErrTooManyOTPRequests, KindLocked, "too_many_requests"},
}

func lookup(err error) (classified, bool) {
	for _, c := range table {
		if errors.Is(err, c.err) {
			return c, true
		}
	}
	return classified{}, false
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if c, ok := lookup(err); ok {
		return c.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Reason returns the stable machine-readable reason for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := lookup(err); ok {
		return c.reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal"
}

// Retryable reports whether the same request may succeed if sent again.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindBusy || k == KindTimeout
}

// ConstraintIdempotency is the unique constraint on
// transactions(initiated_by, idempotency_key).
const ConstraintIdempotency = "transactions_initiated_by_idempotency_key_key"

// FromPG translates store-level failures into the ledger taxonomy. Errors it
// does not recognise are returned unchanged.
func FromPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "55P03", "40P01", "40001": // lock_not_available, deadlock_detected, serialization_failure
		return errors.Join(ErrBusy, err)
	case "57014": // query_canceled (statement_timeout)
		return errors.Join(ErrTimeout, err)
	case "23505":
		if pgErr.ConstraintName == ConstraintIdempotency {
			return errors.Join(ErrDuplicateIdempotencyKey, err)
		}
		return errors.Join(ErrDuplicateRecord, err)
	}
	return err
}
