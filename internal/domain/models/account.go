package models

import (
	"strings"
	"time"
)

type Tenant struct {
	ID     int64
	Name   string
	Active bool
}

type Account struct {
	ID                int64
	TenantID          int64
	Tenant            Tenant
	Email             string
	Username          string
	FirstName         string
	LastName          string
	RoleName          string
	PassHash          []byte
	Active            bool
	FailedLogins      int
	LockoutUntil      *time.Time
	SecurityStamp     string
	LastLoginAt       *time.Time
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
}

// DisplayName joins first and last name, falling back to the username.
func (a *Account) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name == "" {
		return a.Username
	}
	return name
}

// LockedAt reports whether a lockout is in effect at now.
func (a *Account) LockedAt(now time.Time) bool {
	return a.LockoutUntil != nil && a.LockoutUntil.After(now)
}

// CanAuthenticate is false for inactive accounts and accounts of inactive tenants.
func (a *Account) CanAuthenticate() bool {
	return a.Active && a.Tenant.Active
}

// PickAccount selects the account a login or reset request refers to.
// With a tenant hint only that tenant's account qualifies; without one the
// email must match exactly one account. ambiguous reports several matches.
func PickAccount(candidates []Account, tenantHint int64) (acc *Account, ambiguous bool) {
	if tenantHint > 0 {
		for i := range candidates {
			if candidates[i].TenantID == tenantHint {
				return &candidates[i], false
			}
		}
		return nil, false
	}

	switch len(candidates) {
	case 0:
		return nil, false
	case 1:
		return &candidates[0], false
	default:
		return nil, true
	}
}
