// Package storage holds the errors shared by the persistence gateways.
// Every account, token and secret query is scoped by an explicit tenant id;
// the only cross-tenant lookup is AccountsByEmail.
package storage

import (
	"errors"
	"strings"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountLocked   = errors.New("account locked")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantExists    = errors.New("tenant already exists")
	ErrSecretNotFound  = errors.New("secret not found")
	ErrTokenNotFound   = errors.New("refresh token not found")
	ErrResetNotFound   = errors.New("password reset not found")
)

// EmailKey is the form emails are matched and kept unique by.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
