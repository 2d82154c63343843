// Package sqlitetest builds migrated SQLite stores and fixtures for tests.
package sqlitetest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage/sqlite"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// New returns a Storage backed by a fresh, migrated database in t.TempDir().
func New(t *testing.T) *sqlite.Storage {
	t.Helper()

	path := filepath.Join(t.TempDir(), "portal.db")
	if err := sqlite.Migrate(path, ""); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("failed to migrate: %v", err)
	}

	st, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// Fixture is a seeded account together with its plaintext password.
type Fixture struct {
	Account  *models.Account
	Password string
}

// Tenant creates an active tenant and returns its id.
func Tenant(t *testing.T, st *sqlite.Storage) int64 {
	t.Helper()

	id, err := st.SaveTenant(context.Background(), gofakeit.Company()+" "+gofakeit.UUID(), true)
	require.NoError(t, err)

	return id
}

// Account creates an active account in tenantID and reloads it from storage.
func Account(t *testing.T, st *sqlite.Storage, tenantID int64, email string) Fixture {
	t.Helper()
	ctx := context.Background()

	if email == "" {
		email = gofakeit.Email()
	}
	password := RandomPassword()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	id, err := st.SaveAccount(ctx, &models.Account{
		TenantID:      tenantID,
		Email:         email,
		Username:      gofakeit.Username(),
		FirstName:     gofakeit.FirstName(),
		LastName:      gofakeit.LastName(),
		RoleName:      "User",
		PassHash:      hash,
		Active:        true,
		SecurityStamp: uuid.NewString(),
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	acc, err := st.Account(ctx, tenantID, id)
	require.NoError(t, err)

	return Fixture{Account: acc, Password: password}
}

// RandomPassword satisfies the password policy.
func RandomPassword() string {
	return "Aa1!" + gofakeit.Password(true, true, true, true, false, 10)
}
