package domain

import "time"

const (
	OTPPurposeLogin    = "login"
	OTPPurposeTransfer = "transfer"
)

// OneTimeCode exists only between issuance and verification or expiry. At
// most one live code per (UserID, Purpose).
type OneTimeCode struct {
	UserID       string    `json:"user_id"`
	Purpose      string    `json:"purpose"`
	Code         string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AttemptCount int       `json:"attempt_count"`
}

type VerifyReason string

const (
	VerifyOK      VerifyReason = "verified"
	VerifyExpired VerifyReason = "expired"
	VerifyInvalid VerifyReason = "invalid"
	VerifyLocked  VerifyReason = "locked"
)

type VerifyResult struct {
	Valid        bool         `json:"valid"`
	Reason       VerifyReason `json:"reason"`
	AttemptsLeft int          `json:"attempts_left,omitempty"`
	// RetryAfter is set while the user is locked out.
	RetryAfter time.Duration `json:"-"`
}
