package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"portal/internal/audit"
	"portal/internal/domain/models"
	"portal/internal/lib/jwt"
	"portal/internal/lib/password"
	"portal/internal/lib/sl"
	"portal/internal/services/lockout"
	"portal/internal/services/token"
)

type AccountProvider interface {
	AccountsByEmail(ctx context.Context, email string) ([]models.Account, error)
}

type PasswordVerifier interface {
	Compare(hash []byte, password string) error
}

type LockoutPolicy interface {
	Check(acc *models.Account) lockout.Decision
	RecordFailure(ctx context.Context, acc *models.Account) (bool, error)
	RecordSuccess(ctx context.Context, acc *models.Account) error
}

type TokenService interface {
	Issue(ctx context.Context, acc *models.Account) (token.Pair, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (token.Pair, error)
	Revoke(ctx context.Context, accessToken string) (int64, error)
	Validate(ctx context.Context, accessToken string) (*jwt.Claims, error)
	ExtractIDs(accessToken string) (accountID, tenantID int64, ok bool)
}

type ResetFlow interface {
	RequestReset(ctx context.Context, email string, tenantHint int64) error
	ValidateResetToken(ctx context.Context, email, token string) bool
	ResetPassword(ctx context.Context, email, token, newPassword string) (bool, error)
}

type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is locked")
	ErrTenantInactive     = errors.New("tenant is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrValidation         = errors.New("validation failed")
)

// User is the public projection of an account returned after login.
type User struct {
	ID        int64
	Email     string
	Username  string
	FirstName string
	LastName  string
	RoleName  string
}

type LoginResult struct {
	token.Pair
	User User
}

type Auth struct {
	log      *slog.Logger
	accounts AccountProvider
	verifier PasswordVerifier
	lockout  LockoutPolicy
	tokens   TokenService
	resets   ResetFlow
	auditor  Auditor
	now      func() time.Time
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	accounts AccountProvider,
	verifier PasswordVerifier,
	policy LockoutPolicy,
	tokens TokenService,
	resets ResetFlow,
	auditor Auditor,
) *Auth {
	return &Auth{
		log:      log,
		accounts: accounts,
		verifier: verifier,
		lockout:  policy,
		tokens:   tokens,
		resets:   resets,
		auditor:  auditor,
		now:      time.Now,
	}
}

// WithClock replaces the time source used for audit timestamps.
func (a *Auth) WithClock(now func() time.Time) *Auth {
	a.now = now
	return a
}

// Login authenticates the account registered with email and issues a token
// pair. Unknown, ambiguous and inactive accounts, inactive tenants and wrong
// passwords all fail with ErrInvalidCredentials; only a lockout is reported
// distinctly.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	pass string,
	tenantHint int64,
) (*LoginResult, error) {
	const op = "auth.Login"
	email = strings.TrimSpace(email)
	log := a.log.With(slog.String("op", op), slog.String("email", email))
	log.Info("login request", slog.Int64("tenant_hint", tenantHint))

	if email == "" || pass == "" {
		return nil, fmt.Errorf("%s: %w: email and password are required", op, ErrValidation)
	}

	candidates, err := a.accounts.AccountsByEmail(ctx, email)
	if err != nil {
		log.Error("failed to look up accounts", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	acc, ambiguous := models.PickAccount(candidates, tenantHint)
	if acc == nil {
		reason := "account not found"
		if ambiguous {
			reason = "email registered in several tenants"
		}
		log.Warn(reason, slog.Int("matches", len(candidates)))
		a.recordLogin(ctx, email, hintPtr(tenantHint), nil, false, reason)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	log = log.With(slog.Int64("tenant_id", acc.TenantID), slog.Int64("account_id", acc.ID))

	if !acc.Active {
		log.Warn("account inactive")
		a.recordAccountLogin(ctx, acc, false, "account inactive")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if !acc.Tenant.Active {
		log.Warn("login rejected", sl.Err(ErrTenantInactive))
		a.recordAccountLogin(ctx, acc, false, "tenant inactive")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if a.lockout.Check(acc) == lockout.Locked {
		log.Warn("account locked", slog.Time("lockout_until", *acc.LockoutUntil))
		a.recordAccountLogin(ctx, acc, false, "account locked")
		return nil, fmt.Errorf("%s: %w", op, ErrAccountLocked)
	}

	if err := a.verifier.Compare(acc.PassHash, pass); err != nil {
		if !errors.Is(err, password.ErrMismatch) {
			log.Error("stored password hash unusable", sl.Err(err))
			a.recordAccountLogin(ctx, acc, false, "password hash unusable")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		locked, err := a.lockout.RecordFailure(ctx, acc)
		if err != nil {
			log.Error("failed to record failed login", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		reason := "invalid password"
		if locked {
			reason = "invalid password, account locked"
		}
		log.Warn(reason, slog.Int("failed_logins", acc.FailedLogins))
		a.recordAccountLogin(ctx, acc, false, reason)

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if err := a.lockout.RecordSuccess(ctx, acc); err != nil {
		if errors.Is(err, lockout.ErrLocked) {
			log.Warn("account locked by a concurrent attempt")
			a.recordAccountLogin(ctx, acc, false, "account locked")
			return nil, fmt.Errorf("%s: %w", op, ErrAccountLocked)
		}
		log.Error("failed to record successful login", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.tokens.Issue(ctx, acc)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.recordAccountLogin(ctx, acc, true, "login succeeded")
	log.Info("user logged in")

	return &LoginResult{
		Pair: pair,
		User: User{
			ID:        acc.ID,
			Email:     acc.Email,
			Username:  acc.Username,
			FirstName: acc.FirstName,
			LastName:  acc.LastName,
			RoleName:  acc.RoleName,
		},
	}, nil
}

// RefreshToken exchanges a refresh token for a new pair. Every rejection is
// reported as ErrInvalidToken.
func (a *Auth) RefreshToken(ctx context.Context, accessToken, refreshToken string) (token.Pair, error) {
	const op = "auth.RefreshToken"
	log := a.log.With(slog.String("op", op))

	if accessToken == "" || refreshToken == "" {
		log.Warn("missing token in refresh request")
		return token.Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	pair, err := a.tokens.Refresh(ctx, accessToken, refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidOrExpired) {
			return token.Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to refresh tokens", sl.Err(err))
		return token.Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	return pair, nil
}

// Authenticate validates a bearer access token.
func (a *Auth) Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	const op = "auth.Authenticate"

	claims, err := a.tokens.Validate(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return claims, nil
}

// RevokeToken revokes every refresh token of the account named by
// accessToken. The caller must be that account.
func (a *Auth) RevokeToken(ctx context.Context, caller *jwt.Claims, accessToken string) error {
	const op = "auth.RevokeToken"
	log := a.log.With(slog.String("op", op))

	if caller == nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	callerID, err := caller.AccountID()
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	accountID, tenantID, ok := a.tokens.ExtractIDs(accessToken)
	if !ok {
		log.Warn("cannot read token to revoke")
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	if accountID != callerID || tenantID != caller.TenantID {
		log.Warn("token belongs to another account",
			slog.Int64("caller_id", callerID),
			slog.Int64("account_id", accountID),
		)
		return fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	n, err := a.tokens.Revoke(ctx, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidOrExpired) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to revoke tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	a.record(ctx, models.AuditEntry{
		TenantID:  &tenantID,
		AccountID: &accountID,
		Event:     models.EventTokensRevoked,
		Email:     caller.Email,
		Success:   true,
		Details:   fmt.Sprintf("%d refresh tokens revoked", n),
	})

	return nil
}

// ForgotPassword starts a password reset. It never reports an outcome so the
// caller cannot tell whether the email is registered.
func (a *Auth) ForgotPassword(ctx context.Context, email string, tenantHint int64) {
	const op = "auth.ForgotPassword"

	email = strings.TrimSpace(email)
	if email == "" {
		return
	}

	if err := a.resets.RequestReset(ctx, email, tenantHint); err != nil {
		a.log.Error("reset request failed", slog.String("op", op), sl.Err(err))
	}
}

func (a *Auth) ValidateResetToken(ctx context.Context, email, resetToken string) bool {
	return a.resets.ValidateResetToken(ctx, strings.TrimSpace(email), resetToken)
}

// ResetPassword sets a new password with a reset token. Malformed input fails
// with ErrValidation; a rejected token yields false.
func (a *Auth) ResetPassword(
	ctx context.Context,
	email, resetToken, newPassword, confirmPassword string,
) (bool, error) {
	const op = "auth.ResetPassword"

	email = strings.TrimSpace(email)
	if email == "" || resetToken == "" {
		return false, fmt.Errorf("%s: %w: email and token are required", op, ErrValidation)
	}
	if newPassword != confirmPassword {
		return false, fmt.Errorf("%s: %w: passwords do not match", op, ErrValidation)
	}
	if err := password.Validate(newPassword); err != nil {
		return false, fmt.Errorf("%s: %w: %s", op, ErrValidation, err.Error())
	}

	ok, err := a.resets.ResetPassword(ctx, email, resetToken, newPassword)
	if err != nil {
		a.log.Error("password reset failed", slog.String("op", op), sl.Err(err))
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return ok, nil
}

func (a *Auth) recordAccountLogin(ctx context.Context, acc *models.Account, success bool, details string) {
	tenantID, accountID := acc.TenantID, acc.ID
	a.recordLogin(ctx, acc.Email, &tenantID, &accountID, success, details)
}

func (a *Auth) recordLogin(ctx context.Context, email string, tenantID, accountID *int64, success bool, details string) {
	a.record(ctx, models.AuditEntry{
		TenantID:  tenantID,
		AccountID: accountID,
		Event:     models.EventLoginAttempt,
		Email:     email,
		Success:   success,
		Details:   details,
	})
}

func (a *Auth) record(ctx context.Context, entry models.AuditEntry) {
	if a.auditor == nil {
		return
	}
	entry.IPAddress = audit.ClientIP(ctx)
	entry.CreatedAt = a.now()
	a.auditor.Record(ctx, entry)
}

func hintPtr(tenantHint int64) *int64 {
	if tenantHint <= 0 {
		return nil
	}
	return &tenantHint
}
