package models

import "time"

// RefreshToken represents a refresh token stored in the database.
type RefreshToken struct {
	ID             int64
	TokenHash      string
	AccountID      int64
	TenantID       int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	ReplacedByHash *string
}

// Usable reports whether the token can still be exchanged at now.
func (t *RefreshToken) Usable(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// PasswordReset is a single-use credential authorizing one password change.
type PasswordReset struct {
	ID        int64
	TokenHash string
	AccountID int64
	TenantID  int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Usable reports whether the reset token can still be consumed at now.
func (r *PasswordReset) Usable(now time.Time) bool {
	return !r.Used && r.ExpiresAt.After(now)
}
