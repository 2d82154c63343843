package mongodb_test

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage"
	"portal/internal/storage/mongodb"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStorage connects to MONGO_TEST_URI using a throwaway database.
func newStorage(t *testing.T) *mongodb.Storage {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := "portal_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	st, err := mongodb.New(ctx, uri, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	return st
}

func seedAccount(t *testing.T, st *mongodb.Storage, email string) *models.Account {
	t.Helper()
	ctx := context.Background()

	tenantID, err := st.SaveTenant(ctx, gofakeit.Company()+" "+gofakeit.UUID(), true)
	require.NoError(t, err)

	id, err := st.SaveAccount(ctx, &models.Account{
		TenantID:      tenantID,
		Email:         email,
		Username:      gofakeit.Username(),
		RoleName:      "User",
		PassHash:      []byte("hash"),
		Active:        true,
		SecurityStamp: uuid.NewString(),
	})
	require.NoError(t, err)

	acc, err := st.Account(ctx, tenantID, id)
	require.NoError(t, err)

	return acc
}

func TestAccountsByEmail(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	email := gofakeit.Email()

	a1 := seedAccount(t, st, email)
	a2 := seedAccount(t, st, email)

	accounts, err := st.AccountsByEmail(ctx, email)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, a1.ID, accounts[0].ID)
	assert.Equal(t, a2.ID, accounts[1].ID)
	assert.True(t, accounts[0].Tenant.Active)

	_, err = st.Account(ctx, a2.TenantID, a1.ID)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	dup := *a1
	_, err = st.SaveAccount(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrAccountExists)
}

func TestIncrementFailedLogins(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())

	now := time.Unix(1_700_000_000, 0).UTC()
	for i := 1; i < 5; i++ {
		failed, until, err := st.IncrementFailedLogins(ctx, acc.TenantID, acc.ID, 5, 15*time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, i, failed)
		assert.Nil(t, until)
	}

	failed, until, err := st.IncrementFailedLogins(ctx, acc.TenantID, acc.ID, 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 5, failed)
	require.NotNil(t, until)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), until.Unix())

	later := now.Add(16 * time.Minute)
	failed, until, err = st.IncrementFailedLogins(ctx, acc.TenantID, acc.ID, 5, 15*time.Minute, later)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Nil(t, until)
}

func TestRotateRefreshToken_SingleWinner(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())
	now := time.Now()

	root := "root-" + gofakeit.UUID()
	require.NoError(t, st.SaveRefreshToken(ctx, models.RefreshToken{
		TokenHash: root,
		AccountID: acc.ID,
		TenantID:  acc.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := st.RotateRefreshToken(ctx, acc.TenantID, acc.ID, root, models.RefreshToken{
				TokenHash: gofakeit.UUID(),
				AccountID: acc.ID,
				TenantID:  acc.TenantID,
				CreatedAt: now,
				ExpiresAt: now.Add(time.Hour),
			}, now)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, storage.ErrTokenNotFound)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)

	old, err := st.RefreshToken(ctx, acc.TenantID, acc.ID, root)
	require.NoError(t, err)
	assert.False(t, old.Usable(now))
	require.NotNil(t, old.ReplacedByHash)

	n2, err := st.RevokeRefreshTokens(ctx, acc.TenantID, acc.ID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n2)
}

func TestPasswordReset_SingleActive(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())
	now := time.Now()

	reset := models.PasswordReset{
		TokenHash: "r1-" + gofakeit.UUID(),
		AccountID: acc.ID,
		TenantID:  acc.TenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	first := reset.TokenHash
	require.NoError(t, st.SavePasswordReset(ctx, reset))
	reset.TokenHash = "r2-" + gofakeit.UUID()
	require.NoError(t, st.SavePasswordReset(ctx, reset))

	r1, err := st.PasswordReset(ctx, first)
	require.NoError(t, err)
	assert.True(t, r1.Used)

	err = st.ConsumePasswordReset(ctx, acc.TenantID, acc.ID, first, []byte("x"), "stamp", now)
	assert.ErrorIs(t, err, storage.ErrResetNotFound)

	require.NoError(t, st.ConsumePasswordReset(ctx, acc.TenantID, acc.ID, reset.TokenHash, []byte("new-hash"), "stamp", now))

	reloaded, err := st.Account(ctx, acc.TenantID, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new-hash"), reloaded.PassHash)
	assert.Equal(t, "stamp", reloaded.SecurityStamp)
}

func TestAccountsByEmail_CaseInsensitive(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, "Ada.Lovelace@Example.com")

	accounts, err := st.AccountsByEmail(ctx, " ada.lovelace@EXAMPLE.com")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, acc.ID, accounts[0].ID)
	assert.Equal(t, "Ada.Lovelace@Example.com", accounts[0].Email)

	dup := *acc
	dup.Email = "ADA.LOVELACE@example.com"
	_, err = st.SaveAccount(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrAccountExists)
}

func TestRecordSuccessfulLogin_RunningLockout(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())

	now := time.Unix(1_700_000_000, 0).UTC()
	for i := 0; i < 5; i++ {
		_, _, err := st.IncrementFailedLogins(ctx, acc.TenantID, acc.ID, 5, 15*time.Minute, now)
		require.NoError(t, err)
	}

	err := st.RecordSuccessfulLogin(ctx, acc.TenantID, acc.ID, "stamp", now.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrAccountLocked)

	require.NoError(t, st.RecordSuccessfulLogin(ctx, acc.TenantID, acc.ID, "stamp", now.Add(15*time.Minute)))

	err = st.RecordSuccessfulLogin(ctx, acc.TenantID, acc.ID+1000, "stamp", now)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestSetActive(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())

	require.NoError(t, st.SetAccountActive(ctx, acc.TenantID, acc.ID, false))
	require.NoError(t, st.SetTenantActive(ctx, acc.TenantID, false))

	reloaded, err := st.Account(ctx, acc.TenantID, acc.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Active)
	assert.False(t, reloaded.Tenant.Active)

	assert.ErrorIs(t, st.SetTenantActive(ctx, acc.TenantID+1000, true), storage.ErrTenantNotFound)
}

func TestRotateRefreshToken_UndoOnInsertFailure(t *testing.T) {
	st := newStorage(t)
	ctx := context.Background()
	acc := seedAccount(t, st, gofakeit.Email())
	now := time.Now()

	token := func(hash string) models.RefreshToken {
		return models.RefreshToken{
			TokenHash: hash,
			AccountID: acc.ID,
			TenantID:  acc.TenantID,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
	}
	root := "root-" + gofakeit.UUID()
	taken := "taken-" + gofakeit.UUID()
	require.NoError(t, st.SaveRefreshToken(ctx, token(root)))
	require.NoError(t, st.SaveRefreshToken(ctx, token(taken)))

	err := st.RotateRefreshToken(ctx, acc.TenantID, acc.ID, root, token(taken), now)
	require.Error(t, err)

	old, err := st.RefreshToken(ctx, acc.TenantID, acc.ID, root)
	require.NoError(t, err)
	assert.True(t, old.Usable(now))
	assert.Nil(t, old.ReplacedByHash)
}
