// Package password hashes credentials and enforces the password policy.
package password

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinLength = 8
	MaxLength = 100
)

var (
	ErrMismatch = errors.New("password does not match")
	ErrTooShort = fmt.Errorf("password must be at least %d characters", MinLength)
	ErrTooLong  = fmt.Errorf("password must be at most %d characters", MaxLength)
	ErrTooWeak  = errors.New("password must contain upper-case, lower-case, digit and special characters")
)

type Hasher struct {
	cost int
}

// NewHasher returns a bcrypt hasher. A zero cost means bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) ([]byte, error) {
	const op = "password.Hash"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return hash, nil
}

// Compare checks password against hash in constant time.
func (h *Hasher) Compare(hash []byte, password string) error {
	const op = "password.Compare"

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("%s: %w", op, ErrMismatch)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Validate applies the policy for newly chosen passwords.
func Validate(password string) error {
	n := len([]rune(password))
	if n < MinLength {
		return ErrTooShort
	}
	if n > MaxLength {
		return ErrTooLong
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrTooWeak
	}

	return nil
}
