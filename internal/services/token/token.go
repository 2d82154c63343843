// Package token issues, rotates, validates and revokes access/refresh token pairs.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"portal/internal/domain/models"
	"portal/internal/lib/jwt"
	"portal/internal/lib/sl"
	"portal/internal/services/secret"
	"portal/internal/storage"
)

const DefaultRefreshTTL = 7 * 24 * time.Hour

var ErrInvalidOrExpired = errors.New("token is invalid or expired")

type KeyResolver interface {
	SigningKey(ctx context.Context, tenantID int64) ([]byte, error)
}

type AccountProvider interface {
	Account(ctx context.Context, tenantID, accountID int64) (*models.Account, error)
}

type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RotateRefreshToken(
		ctx context.Context,
		tenantID, accountID int64,
		oldHash string,
		next models.RefreshToken,
		now time.Time,
	) error
	RevokeRefreshTokens(ctx context.Context, tenantID, accountID int64, now time.Time) (int64, error)
}

// Pair is what a caller receives after login or refresh.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Config struct {
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RefreshPepper string
}

type Service struct {
	log        *slog.Logger
	keys       KeyResolver
	accounts   AccountProvider
	tokens     RefreshTokenStore
	jwtOpts    jwt.Options
	refreshTTL time.Duration
	pepper     string
	now        func() time.Time
}

// New returns a new instance of the token Service.
func New(
	log *slog.Logger,
	keys KeyResolver,
	accounts AccountProvider,
	tokens RefreshTokenStore,
	cfg Config,
) *Service {
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}

	return &Service{
		log:        log,
		keys:       keys,
		accounts:   accounts,
		tokens:     tokens,
		jwtOpts:    jwt.Options{Issuer: cfg.Issuer, Audience: cfg.Audience, TTL: accessTTL},
		refreshTTL: refreshTTL,
		pepper:     cfg.RefreshPepper,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs an access token for the account and persists a fresh refresh token.
func (s *Service) Issue(ctx context.Context, acc *models.Account) (Pair, error) {
	const op = "token.Issue"
	log := s.log.With(
		slog.String("op", op),
		slog.Int64("tenant_id", acc.TenantID),
		slog.Int64("account_id", acc.ID),
	)

	now := s.now()

	access, expiresAt, err := s.signAccess(ctx, acc, now)
	if err != nil {
		log.Error("failed to sign access token", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	raw, record, err := s.newRefreshToken(acc, now)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.tokens.SaveRefreshToken(ctx, record); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	return Pair{AccessToken: access, RefreshToken: raw, ExpiresAt: expiresAt}, nil
}

// Refresh exchanges a refresh token for a new pair. The access token may be
// expired; it only names the account. The presented refresh token is revoked
// in the same transaction that stores its successor, so it can be used once.
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string) (Pair, error) {
	const op = "token.Refresh"
	log := s.log.With(slog.String("op", op))

	accountID, tenantID, err := jwt.ExtractIDs(accessToken)
	if err != nil {
		log.Warn("cannot read access token claims", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}
	log = log.With(slog.Int64("tenant_id", tenantID), slog.Int64("account_id", accountID))

	if refreshToken == "" {
		log.Warn("empty refresh token")
		return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	acc, err := s.accounts.Account(ctx, tenantID, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			log.Warn("account not found")
			return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
		}
		log.Error("failed to load account", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}
	if !acc.CanAuthenticate() {
		log.Warn("account or tenant inactive")
		return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	now := s.now()

	access, expiresAt, err := s.signAccess(ctx, acc, now)
	if err != nil {
		log.Error("failed to sign access token", sl.Err(err))
		if errors.Is(err, secret.ErrUnavailable) {
			return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
		}
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	raw, next, err := s.newRefreshToken(acc, now)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	err = s.tokens.RotateRefreshToken(ctx, tenantID, accountID, s.hashRefreshToken(refreshToken), next, now)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token absent, revoked or expired")
			return Pair{}, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
		}
		log.Error("failed to rotate refresh token", sl.Err(err))
		return Pair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed")

	return Pair{AccessToken: access, RefreshToken: raw, ExpiresAt: expiresAt}, nil
}

// Revoke revokes every active refresh token of the account named by the
// access token and returns how many were revoked.
func (s *Service) Revoke(ctx context.Context, accessToken string) (int64, error) {
	const op = "token.Revoke"
	log := s.log.With(slog.String("op", op))

	accountID, tenantID, err := jwt.ExtractIDs(accessToken)
	if err != nil {
		log.Warn("cannot read access token claims", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	n, err := s.tokens.RevokeRefreshTokens(ctx, tenantID, accountID, s.now())
	if err != nil {
		log.Error("failed to revoke refresh tokens", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("refresh tokens revoked",
		slog.Int64("tenant_id", tenantID),
		slog.Int64("account_id", accountID),
		slog.Int64("count", n),
	)

	return n, nil
}

// Validate verifies the access token against its tenant's secret with no
// clock skew. Every failure is reported as ErrInvalidOrExpired.
func (s *Service) Validate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	const op = "token.Validate"
	log := s.log.With(slog.String("op", op))

	unverified, err := jwt.ParseUnverified(accessToken)
	if err != nil {
		log.Warn("malformed token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}
	if unverified.TenantID <= 0 {
		log.Warn("token has no tenant claim")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	key, err := s.keys.SigningKey(ctx, unverified.TenantID)
	if err != nil {
		log.Error("failed to resolve signing key", slog.Int64("tenant_id", unverified.TenantID), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	claims, err := jwt.ParseToken(accessToken, key, s.jwtOpts, s.now())
	if err != nil {
		log.Warn("token rejected", slog.Int64("tenant_id", unverified.TenantID), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}
	if _, err := claims.AccountID(); err != nil {
		log.Warn("token has no subject", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidOrExpired)
	}

	return claims, nil
}

// ExtractIDs reads account and tenant ids without verifying the token.
// The result must not be used as an authentication decision.
func (s *Service) ExtractIDs(accessToken string) (accountID, tenantID int64, ok bool) {
	accountID, tenantID, err := jwt.ExtractIDs(accessToken)
	if err != nil {
		return 0, 0, false
	}
	return accountID, tenantID, true
}

func (s *Service) signAccess(ctx context.Context, acc *models.Account, now time.Time) (string, time.Time, error) {
	key, err := s.keys.SigningKey(ctx, acc.TenantID)
	if err != nil {
		return "", time.Time{}, err
	}

	return jwt.GenerateToken(acc, key, s.jwtOpts, now)
}

func (s *Service) newRefreshToken(acc *models.Account, now time.Time) (string, models.RefreshToken, error) {
	raw, err := generateRefreshTokenRaw()
	if err != nil {
		return "", models.RefreshToken{}, err
	}

	return raw, models.RefreshToken{
		TokenHash: s.hashRefreshToken(raw),
		AccountID: acc.ID,
		TenantID:  acc.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

// hashRefreshToken computes SHA-256 hash of the token with pepper.
func (s *Service) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + s.pepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// generateRefreshTokenRaw generates a cryptographically secure random token.
func generateRefreshTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
