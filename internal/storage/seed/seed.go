// Package seed creates a tenant with its signing secret and an admin account
// for local environments.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"portal/internal/domain/models"
	"portal/internal/lib/password"
	"portal/internal/storage"

	"github.com/google/uuid"
)

var ErrAlreadySeeded = errors.New("tenant already exists")

type Store interface {
	SaveTenant(ctx context.Context, name string, active bool) (int64, error)
	SaveSecret(ctx context.Context, secret models.Secret) error
	SaveAccount(ctx context.Context, acc *models.Account) (int64, error)
}

type Options struct {
	TenantName    string
	AdminEmail    string
	AdminPassword string
	// Secret is generated when empty.
	Secret string
}

type Result struct {
	TenantID  int64
	AccountID int64
	Secret    string
}

func Seed(ctx context.Context, st Store, hasher *password.Hasher, opts Options) (*Result, error) {
	const op = "storage.seed.Seed"

	if err := password.Validate(opts.AdminPassword); err != nil {
		return nil, fmt.Errorf("%s: admin password: %w", op, err)
	}

	tenantID, err := st.SaveTenant(ctx, opts.TenantName, true)
	if err != nil {
		if errors.Is(err, storage.ErrTenantExists) {
			return nil, fmt.Errorf("%s: %w", op, ErrAlreadySeeded)
		}
		return nil, fmt.Errorf("%s: tenant: %w", op, err)
	}

	secret, err := RotateSecret(ctx, st, tenantID, opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	hash, err := hasher.Hash(opts.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accountID, err := st.SaveAccount(ctx, &models.Account{
		TenantID:      tenantID,
		Email:         opts.AdminEmail,
		Username:      "admin",
		FirstName:     "Portal",
		LastName:      "Admin",
		RoleName:      "Admin",
		PassHash:      hash,
		Active:        true,
		SecurityStamp: uuid.NewString(),
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: account: %w", op, err)
	}

	return &Result{TenantID: tenantID, AccountID: accountID, Secret: secret}, nil
}

type SecretSaver interface {
	SaveSecret(ctx context.Context, secret models.Secret) error
}

// RotateSecret stores value as the tenant's signing secret, generating a
// random one when value is empty, and returns it. Tokens signed with the
// previous secret stop verifying once resolvers drop their cached copy.
func RotateSecret(ctx context.Context, st SecretSaver, tenantID int64, value string) (string, error) {
	const op = "storage.seed.RotateSecret"

	if value == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		value = base64.RawURLEncoding.EncodeToString(b)
	}

	err := st.SaveSecret(ctx, models.Secret{
		TenantID:    tenantID,
		Key:         models.SecretJWT,
		Value:       value,
		Description: "access token signing secret",
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return value, nil
}
