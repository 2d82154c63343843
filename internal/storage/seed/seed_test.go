package seed_test

import (
	"context"
	"testing"

	"portal/internal/domain/models"
	"portal/internal/lib/password"
	"portal/internal/storage/seed"
	"portal/internal/storage/sqlite/sqlitetest"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSeed(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	hasher := password.NewHasher(bcrypt.MinCost)

	opts := seed.Options{
		TenantName:    gofakeit.Company(),
		AdminEmail:    gofakeit.Email(),
		AdminPassword: sqlitetest.RandomPassword(),
	}

	res, err := seed.Seed(ctx, st, hasher, opts)
	require.NoError(t, err)
	assert.Len(t, res.Secret, 43)

	secret, err := st.Secret(ctx, res.TenantID, models.SecretJWT)
	require.NoError(t, err)
	assert.Equal(t, res.Secret, secret)

	acc, err := st.Account(ctx, res.TenantID, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "Admin", acc.RoleName)
	assert.NoError(t, hasher.Compare(acc.PassHash, opts.AdminPassword))

	_, err = seed.Seed(ctx, st, hasher, opts)
	assert.ErrorIs(t, err, seed.ErrAlreadySeeded)
}

func TestSeed_WeakPassword(t *testing.T) {
	st := sqlitetest.New(t)

	_, err := seed.Seed(context.Background(), st, password.NewHasher(bcrypt.MinCost), seed.Options{
		TenantName:    gofakeit.Company(),
		AdminEmail:    gofakeit.Email(),
		AdminPassword: "short",
	})
	assert.ErrorIs(t, err, password.ErrTooShort)
}

func TestRotateSecret(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)

	first, err := seed.RotateSecret(ctx, st, tenantID, "")
	require.NoError(t, err)
	assert.Len(t, first, 43)

	second, err := seed.RotateSecret(ctx, st, tenantID, "")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stored, err := st.Secret(ctx, tenantID, models.SecretJWT)
	require.NoError(t, err)
	assert.Equal(t, second, stored)

	given, err := seed.RotateSecret(ctx, st, tenantID, "operator-secret")
	require.NoError(t, err)
	assert.Equal(t, "operator-secret", given)
}
