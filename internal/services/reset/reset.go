// Package reset implements the password reset token life cycle.
package reset

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"portal/internal/audit"
	"portal/internal/domain/models"
	"portal/internal/lib/password"
	"portal/internal/lib/sl"
	"portal/internal/storage"

	"github.com/google/uuid"
)

const DefaultTokenTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("reset token is invalid")

type AccountProvider interface {
	AccountsByEmail(ctx context.Context, email string) ([]models.Account, error)
	Account(ctx context.Context, tenantID, accountID int64) (*models.Account, error)
}

type ResetStore interface {
	SavePasswordReset(ctx context.Context, reset models.PasswordReset) error
	PasswordReset(ctx context.Context, tokenHash string) (*models.PasswordReset, error)
	ConsumePasswordReset(
		ctx context.Context,
		tenantID, accountID int64,
		tokenHash string,
		passHash []byte,
		stamp string,
		now time.Time,
	) error
}

type PasswordHasher interface {
	Hash(password string) ([]byte, error)
}

// Mailer delivers the reset link to the account owner.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, name, link string, expiresAt time.Time) error
}

type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

type Flow struct {
	log      *slog.Logger
	accounts AccountProvider
	resets   ResetStore
	hasher   PasswordHasher
	mailer   Mailer
	auditor  Auditor
	appURL   string
	tokenTTL time.Duration
	now      func() time.Time
}

// New returns a new instance of the reset Flow. appURL is the base of the
// link mailed to the user.
func New(
	log *slog.Logger,
	accounts AccountProvider,
	resets ResetStore,
	hasher PasswordHasher,
	mailer Mailer,
	auditor Auditor,
	appURL string,
	tokenTTL time.Duration,
) *Flow {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}

	return &Flow{
		log:      log,
		accounts: accounts,
		resets:   resets,
		hasher:   hasher,
		mailer:   mailer,
		auditor:  auditor,
		appURL:   strings.TrimRight(appURL, "/"),
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// RequestReset issues a reset token for the account registered with email
// and mails the link. Unknown, ambiguous and inactive accounts are skipped
// silently. The returned error is for logging only and must not reach the
// requester.
func (f *Flow) RequestReset(ctx context.Context, email string, tenantHint int64) error {
	const op = "reset.RequestReset"
	log := f.log.With(slog.String("op", op), slog.String("email", email))

	candidates, err := f.accounts.AccountsByEmail(ctx, email)
	if err != nil {
		log.Error("failed to look up accounts", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	acc, ambiguous := models.PickAccount(candidates, tenantHint)
	if ambiguous {
		log.Warn("email registered in several tenants, no tenant hint", slog.Int("matches", len(candidates)))
		return nil
	}
	if acc == nil {
		log.Info("no account for reset request")
		return nil
	}
	log = log.With(slog.Int64("tenant_id", acc.TenantID), slog.Int64("account_id", acc.ID))

	if !acc.CanAuthenticate() {
		log.Info("account or tenant inactive, skipping reset")
		return nil
	}

	raw, err := generateResetTokenRaw()
	if err != nil {
		log.Error("failed to generate reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	now := f.now()
	record := models.PasswordReset{
		TokenHash: hashResetToken(raw),
		AccountID: acc.ID,
		TenantID:  acc.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(f.tokenTTL),
	}
	if err := f.resets.SavePasswordReset(ctx, record); err != nil {
		log.Error("failed to save reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	f.record(ctx, acc, models.EventResetRequested, true, "reset token issued")

	if err := f.mailer.SendPasswordReset(ctx, acc.Email, acc.DisplayName(), f.resetLink(raw, acc.Email), record.ExpiresAt); err != nil {
		log.Error("failed to send reset email", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("reset token issued")

	return nil
}

// ValidateResetToken reports whether token is an unused, unexpired reset
// token of the account registered with email.
func (f *Flow) ValidateResetToken(ctx context.Context, email, token string) bool {
	const op = "reset.ValidateResetToken"
	log := f.log.With(slog.String("op", op), slog.String("email", email))

	_, _, err := f.lookup(ctx, email, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			log.Error("failed to validate reset token", sl.Err(err))
		}
		return false
	}

	return true
}

// ResetPassword sets a new password using a reset token. Rejections return
// false with a nil error; only persistence failures return an error.
func (f *Flow) ResetPassword(ctx context.Context, email, token, newPassword string) (bool, error) {
	const op = "reset.ResetPassword"
	log := f.log.With(slog.String("op", op), slog.String("email", email))

	if err := password.Validate(newPassword); err != nil {
		log.Info("new password rejected by policy", sl.Err(err))
		return false, nil
	}

	record, acc, err := f.lookup(ctx, email, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			log.Warn("invalid reset token", sl.Err(err))
			return false, nil
		}
		log.Error("failed to look up reset token", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}
	log = log.With(slog.Int64("tenant_id", acc.TenantID), slog.Int64("account_id", acc.ID))

	if !acc.CanAuthenticate() {
		log.Warn("account or tenant inactive")
		return false, nil
	}

	passHash, err := f.hasher.Hash(newPassword)
	if err != nil {
		log.Error("failed to hash password", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}

	err = f.resets.ConsumePasswordReset(ctx, acc.TenantID, acc.ID, record.TokenHash, passHash, uuid.NewString(), f.now())
	if err != nil {
		if errors.Is(err, storage.ErrResetNotFound) {
			log.Warn("reset token consumed concurrently")
			return false, nil
		}
		log.Error("failed to store new password", sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}

	f.record(ctx, acc, models.EventPasswordReset, true, "password changed via reset token")

	log.Info("password reset")

	return true, nil
}

// lookup resolves the account through the token and checks it belongs to email.
func (f *Flow) lookup(ctx context.Context, email, token string) (*models.PasswordReset, *models.Account, error) {
	if token == "" || email == "" {
		return nil, nil, fmt.Errorf("empty token or email: %w", ErrInvalidToken)
	}

	record, err := f.resets.PasswordReset(ctx, hashResetToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrResetNotFound) {
			return nil, nil, fmt.Errorf("unknown token: %w", ErrInvalidToken)
		}
		return nil, nil, err
	}
	if !record.Usable(f.now()) {
		return nil, nil, fmt.Errorf("token used or expired: %w", ErrInvalidToken)
	}

	acc, err := f.accounts.Account(ctx, record.TenantID, record.AccountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, nil, fmt.Errorf("owner not found: %w", ErrInvalidToken)
		}
		return nil, nil, err
	}
	if storage.EmailKey(acc.Email) != storage.EmailKey(email) {
		return nil, nil, fmt.Errorf("email mismatch: %w", ErrInvalidToken)
	}

	return record, acc, nil
}

func (f *Flow) resetLink(token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return f.appURL + "/reset-password?" + q.Encode()
}

func (f *Flow) record(ctx context.Context, acc *models.Account, event string, success bool, details string) {
	if f.auditor == nil {
		return
	}
	tenantID, accountID := acc.TenantID, acc.ID
	f.auditor.Record(ctx, models.AuditEntry{
		TenantID:  &tenantID,
		AccountID: &accountID,
		Event:     event,
		Email:     acc.Email,
		Success:   success,
		Details:   details,
		IPAddress: audit.ClientIP(ctx),
		CreatedAt: f.now(),
	})
}

func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func generateResetTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
