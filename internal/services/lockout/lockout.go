// Package lockout decides whether an account may authenticate and keeps the
// persisted failure counter.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultDuration          = 15 * time.Minute
)

// ErrLocked is returned by RecordSuccess when a lockout started after the
// account was checked.
var ErrLocked = errors.New("account locked")

type Decision int

const (
	Allowed Decision = iota
	Locked
)

func (d Decision) String() string {
	if d == Locked {
		return "locked"
	}
	return "allowed"
}

type AttemptRecorder interface {
	IncrementFailedLogins(
		ctx context.Context,
		tenantID, accountID int64,
		threshold int,
		lockFor time.Duration,
		now time.Time,
	) (failed int, lockoutUntil *time.Time, err error)
	RecordSuccessfulLogin(ctx context.Context, tenantID, accountID int64, stamp string, at time.Time) error
}

type Policy struct {
	log         *slog.Logger
	recorder    AttemptRecorder
	maxAttempts int
	duration    time.Duration
	now         func() time.Time
}

// New returns a Policy. Non-positive limits fall back to 5 attempts / 15 minutes.
func New(log *slog.Logger, recorder AttemptRecorder, maxAttempts int, duration time.Duration) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFailedAttempts
	}
	if duration <= 0 {
		duration = DefaultDuration
	}

	return &Policy{
		log:         log,
		recorder:    recorder,
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
	}
}

// WithClock replaces the time source.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// Check gates an authentication attempt. It must run before the credential
// is verified.
func (p *Policy) Check(acc *models.Account) Decision {
	if acc.LockedAt(p.now()) {
		return Locked
	}
	return Allowed
}

// RecordFailure counts a failed attempt and reports whether it locked the account.
func (p *Policy) RecordFailure(ctx context.Context, acc *models.Account) (bool, error) {
	const op = "lockout.RecordFailure"
	log := p.log.With(
		slog.String("op", op),
		slog.Int64("tenant_id", acc.TenantID),
		slog.Int64("account_id", acc.ID),
	)

	failed, until, err := p.recorder.IncrementFailedLogins(ctx, acc.TenantID, acc.ID, p.maxAttempts, p.duration, p.now())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	acc.FailedLogins = failed
	acc.LockoutUntil = until

	locked := failed >= p.maxAttempts && until != nil
	if locked {
		log.Warn("account locked", slog.Int("failed_logins", failed), slog.Time("lockout_until", *until))
	} else {
		log.Info("failed login recorded", slog.Int("failed_logins", failed))
	}

	return locked, nil
}

// RecordSuccess clears the counter and lockout, stamps the login time and
// rotates the security stamp.
func (p *Policy) RecordSuccess(ctx context.Context, acc *models.Account) error {
	const op = "lockout.RecordSuccess"

	now := p.now()
	stamp := uuid.NewString()

	if err := p.recorder.RecordSuccessfulLogin(ctx, acc.TenantID, acc.ID, stamp, now); err != nil {
		if errors.Is(err, storage.ErrAccountLocked) {
			return fmt.Errorf("%s: %w", op, ErrLocked)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	acc.FailedLogins = 0
	acc.LockoutUntil = nil
	acc.LastLoginAt = &now
	acc.SecurityStamp = stamp

	return nil
}
