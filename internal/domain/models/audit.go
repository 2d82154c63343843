package models

import "time"

// Audit event types.
const (
	EventLoginAttempt   = "LOGIN_ATTEMPT"
	EventResetRequested = "PASSWORD_RESET_REQUESTED"
	EventPasswordReset  = "PASSWORD_RESET"
	EventTokensRevoked  = "TOKENS_REVOKED"
)

// AuditEntry is an append-only record of a security relevant attempt.
type AuditEntry struct {
	ID        int64     `json:"id,omitempty"`
	TenantID  *int64    `json:"tenantId,omitempty"`
	AccountID *int64    `json:"accountId,omitempty"`
	Event     string    `json:"event"`
	Email     string    `json:"email,omitempty"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
