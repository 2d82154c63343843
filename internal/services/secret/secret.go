// Package secret resolves the signing secret of a tenant.
package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"portal/internal/domain/models"
	"portal/internal/lib/sl"
	"portal/internal/storage"
)

var ErrUnavailable = errors.New("signing secret unavailable")

type SecretProvider interface {
	Secret(ctx context.Context, tenantID int64, key string) (string, error)
}

// Cache is a read-mostly key/value store shared by concurrent resolvers.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Resolver struct {
	log      *slog.Logger
	provider SecretProvider
	cache    Cache
	cacheTTL time.Duration
	global   string
}

// New returns a Resolver. global is the fallback secret used when a tenant has
// none of its own; cache may be nil.
func New(
	log *slog.Logger,
	provider SecretProvider,
	cache Cache,
	cacheTTL time.Duration,
	global string,
) *Resolver {
	return &Resolver{
		log:      log,
		provider: provider,
		cache:    cache,
		cacheTTL: cacheTTL,
		global:   global,
	}
}

// SigningKey returns the tenant-specific JWT secret, else the global one.
func (r *Resolver) SigningKey(ctx context.Context, tenantID int64) ([]byte, error) {
	const op = "secret.SigningKey"
	log := r.log.With(slog.String("op", op), slog.Int64("tenant_id", tenantID))

	value, err := r.tenantSecret(ctx, tenantID)
	if err != nil {
		log.Error("failed to resolve tenant secret", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	if value != "" {
		return []byte(value), nil
	}

	if r.global == "" {
		log.Error("no tenant or global secret configured")
		return nil, fmt.Errorf("%s: %w", op, ErrUnavailable)
	}

	log.Debug("using global secret")

	return []byte(r.global), nil
}

// Forget drops the cached secret of tenantID, so the next SigningKey reads
// storage again. Call it after the tenant's secret changes.
func (r *Resolver) Forget(ctx context.Context, tenantID int64) error {
	const op = "secret.Forget"

	if r.cache == nil {
		return nil
	}
	if err := r.cache.Delete(ctx, cacheKey(tenantID)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// tenantSecret returns "" when the tenant has no secret. Absence is cached too.
func (r *Resolver) tenantSecret(ctx context.Context, tenantID int64) (string, error) {
	key := cacheKey(tenantID)

	if r.cache != nil {
		value, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			r.log.Warn("secret cache read failed", slog.Int64("tenant_id", tenantID), sl.Err(err))
		} else if ok {
			return value, nil
		}
	}

	value, err := r.provider.Secret(ctx, tenantID, models.SecretJWT)
	if err != nil {
		if !errors.Is(err, storage.ErrSecretNotFound) {
			return "", err
		}
		value = ""
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, value, r.cacheTTL); err != nil {
			r.log.Warn("secret cache write failed", slog.Int64("tenant_id", tenantID), sl.Err(err))
		}
	}

	return value, nil
}

func cacheKey(tenantID int64) string {
	return "secret:" + strconv.FormatInt(tenantID, 10) + ":" + models.SecretJWT
}
