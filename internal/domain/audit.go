package domain

import "time"

type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
)

const (
	AuditActionTransfer  = "transfer"
	AuditActionOTPVerify = "otp_verify"
	AuditActionOTPIssue  = "otp_issue"
	AuditActionLogin     = "login"
	AuditActionSignup    = "signup"
	AuditActionLogout    = "logout"
	AuditActionRefresh   = "token_refresh"
)

// AuditEntry is written outside the primary transaction, for successes and
// failures alike.
type AuditEntry struct {
	ID              int64                  `json:"id,omitempty"`
	Action          string                 `json:"action"`
	ActorUserID     string                 `json:"actor_user_id"`
	Outcome         AuditOutcome           `json:"outcome"`
	Reason          string                 `json:"reason,omitempty"`
	ReferenceNumber string                 `json:"reference_number,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	IPAddress       string                 `json:"ip_address,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}
