package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage"
	"portal/internal/storage/sqlite/sqlitetest"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountsByEmail_AcrossTenants(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()

	email := gofakeit.Email()
	t1 := sqlitetest.Tenant(t, st)
	t2 := sqlitetest.Tenant(t, st)
	a1 := sqlitetest.Account(t, st, t1, email)
	a2 := sqlitetest.Account(t, st, t2, email)

	accounts, err := st.AccountsByEmail(ctx, email)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, a1.Account.ID, accounts[0].ID)
	assert.Equal(t, a2.Account.ID, accounts[1].ID)
	assert.Equal(t, "User", accounts[0].RoleName)
	assert.True(t, accounts[0].Tenant.Active)

	_, err = st.Account(ctx, t2, a1.Account.ID)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	none, err := st.AccountsByEmail(ctx, gofakeit.Email())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveAccount_DuplicateInTenant(t *testing.T) {
	st := sqlitetest.New(t)

	tenantID := sqlitetest.Tenant(t, st)
	fx := sqlitetest.Account(t, st, tenantID, "")

	dup := *fx.Account
	_, err := st.SaveAccount(context.Background(), &dup)
	assert.ErrorIs(t, err, storage.ErrAccountExists)
}

func TestSecret(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)

	_, err := st.Secret(ctx, tenantID, models.SecretJWT)
	require.ErrorIs(t, err, storage.ErrSecretNotFound)

	require.NoError(t, st.SaveSecret(ctx, models.Secret{TenantID: tenantID, Key: models.SecretJWT, Value: "one"}))
	require.NoError(t, st.SaveSecret(ctx, models.Secret{TenantID: tenantID, Key: models.SecretJWT, Value: "two"}))

	value, err := st.Secret(ctx, tenantID, models.SecretJWT)
	require.NoError(t, err)
	assert.Equal(t, "two", value)
}

func TestIncrementFailedLogins(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account

	now := time.Unix(1_700_000_000, 0)
	for i := 1; i < 5; i++ {
		failed, until, err := st.IncrementFailedLogins(ctx, tenantID, acc.ID, 5, 15*time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, i, failed)
		assert.Nil(t, until)
	}

	failed, until, err := st.IncrementFailedLogins(ctx, tenantID, acc.ID, 5, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 5, failed)
	require.NotNil(t, until)
	assert.Equal(t, now.Add(15*time.Minute).Unix(), until.Unix())

	// after the lockout expires the counter starts over
	later := now.Add(16 * time.Minute)
	failed, until, err = st.IncrementFailedLogins(ctx, tenantID, acc.ID, 5, 15*time.Minute, later)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Nil(t, until)

	require.NoError(t, st.RecordSuccessfulLogin(ctx, tenantID, acc.ID, "stamp-2", later))
	reloaded, err := st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.Zero(t, reloaded.FailedLogins)
	assert.Nil(t, reloaded.LockoutUntil)
	assert.Equal(t, "stamp-2", reloaded.SecurityStamp)
	require.NotNil(t, reloaded.LastLoginAt)
	assert.Equal(t, later.Unix(), reloaded.LastLoginAt.Unix())
}

func TestIncrementFailedLogins_Concurrent(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	now := time.Now()
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := st.IncrementFailedLogins(ctx, tenantID, acc.ID, 100, time.Minute, now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	reloaded, err := st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, n, reloaded.FailedLogins)
}

func TestRotateRefreshToken(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account
	now := time.Now()

	first := models.RefreshToken{
		TokenHash: "hash-1",
		AccountID: acc.ID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.SaveRefreshToken(ctx, first))

	second := first
	second.TokenHash = "hash-2"
	require.NoError(t, st.RotateRefreshToken(ctx, tenantID, acc.ID, "hash-1", second, now))

	old, err := st.RefreshToken(ctx, tenantID, acc.ID, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByHash)
	assert.Equal(t, "hash-2", *old.ReplacedByHash)
	assert.False(t, old.Usable(now))

	third := first
	third.TokenHash = "hash-3"
	err = st.RotateRefreshToken(ctx, tenantID, acc.ID, "hash-1", third, now)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	_, err = st.RefreshToken(ctx, tenantID, acc.ID, "hash-3")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "failed rotation must not leave a successor behind")
}

func TestRotateRefreshToken_SingleWinner(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account
	now := time.Now()

	require.NoError(t, st.SaveRefreshToken(ctx, models.RefreshToken{
		TokenHash: "root",
		AccountID: acc.ID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := st.RotateRefreshToken(ctx, tenantID, acc.ID, "root", models.RefreshToken{
				TokenHash: gofakeit.UUID(),
				AccountID: acc.ID,
				TenantID:  tenantID,
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
}

func TestRevokeRefreshTokens(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account
	other := sqlitetest.Account(t, st, tenantID, "").Account
	now := time.Now()

	for _, rt := range []models.RefreshToken{
		{TokenHash: "a", AccountID: acc.ID, TenantID: tenantID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "b", AccountID: acc.ID, TenantID: tenantID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{TokenHash: "c", AccountID: other.ID, TenantID: tenantID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, st.SaveRefreshToken(ctx, rt))
	}

	n, err := st.RevokeRefreshTokens(ctx, tenantID, acc.ID, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	c, err := st.RefreshToken(ctx, tenantID, other.ID, "c")
	require.NoError(t, err)
	assert.True(t, c.Usable(now))
}

func TestPasswordReset_SingleActive(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account
	now := time.Now()

	reset := models.PasswordReset{
		TokenHash: "r1",
		AccountID: acc.ID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, st.SavePasswordReset(ctx, reset))
	reset.TokenHash = "r2"
	require.NoError(t, st.SavePasswordReset(ctx, reset))

	r1, err := st.PasswordReset(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r1.Used)

	r2, err := st.PasswordReset(ctx, "r2")
	require.NoError(t, err)
	assert.True(t, r2.Usable(now))

	err = st.ConsumePasswordReset(ctx, tenantID, acc.ID, "r1", []byte("hash"), "stamp", now)
	assert.ErrorIs(t, err, storage.ErrResetNotFound)

	require.NoError(t, st.SaveRefreshToken(ctx, models.RefreshToken{
		TokenHash: "session", AccountID: acc.ID, TenantID: tenantID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, st.ConsumePasswordReset(ctx, tenantID, acc.ID, "r2", []byte("new-hash"), "stamp", now))

	session, err := st.RefreshToken(ctx, tenantID, acc.ID, "session")
	require.NoError(t, err)
	assert.NotNil(t, session.RevokedAt)
	err = st.ConsumePasswordReset(ctx, tenantID, acc.ID, "r2", []byte("other"), "stamp", now)
	assert.ErrorIs(t, err, storage.ErrResetNotFound)

	reloaded, err := st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new-hash"), reloaded.PassHash)
	assert.Equal(t, "stamp", reloaded.SecurityStamp)
	assert.NotNil(t, reloaded.PasswordChangedAt)
}

func TestSaveAuditEntry(t *testing.T) {
	st := sqlitetest.New(t)
	tenantID := sqlitetest.Tenant(t, st)

	err := st.SaveAuditEntry(context.Background(), models.AuditEntry{
		TenantID:  &tenantID,
		Event:     models.EventLoginAttempt,
		Email:     gofakeit.Email(),
		Details:   "invalid password",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestAccountsByEmail_CaseInsensitive(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	fx := sqlitetest.Account(t, st, tenantID, "Ada.Lovelace@Example.com")

	for _, email := range []string{"ada.lovelace@example.com", " ADA.LOVELACE@EXAMPLE.COM "} {
		accounts, err := st.AccountsByEmail(ctx, email)
		require.NoError(t, err)
		require.Len(t, accounts, 1, email)
		assert.Equal(t, fx.Account.ID, accounts[0].ID)
		assert.Equal(t, "Ada.Lovelace@Example.com", accounts[0].Email)
	}

	dup := *fx.Account
	dup.Email = "ada.lovelace@EXAMPLE.com"
	_, err := st.SaveAccount(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrAccountExists)
}

func TestRecordSuccessfulLogin_RunningLockout(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account

	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		_, _, err := st.IncrementFailedLogins(ctx, tenantID, acc.ID, 5, 15*time.Minute, now)
		require.NoError(t, err)
	}

	err := st.RecordSuccessfulLogin(ctx, tenantID, acc.ID, "stamp", now.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrAccountLocked)

	reloaded, err := st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.FailedLogins)
	assert.NotEqual(t, "stamp", reloaded.SecurityStamp)

	require.NoError(t, st.RecordSuccessfulLogin(ctx, tenantID, acc.ID, "stamp", now.Add(15*time.Minute)))

	err = st.RecordSuccessfulLogin(ctx, tenantID, acc.ID+1000, "stamp", now)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestSetActive(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account

	require.NoError(t, st.SetAccountActive(ctx, tenantID, acc.ID, false))
	reloaded, err := st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Active)
	assert.False(t, reloaded.CanAuthenticate())

	require.NoError(t, st.SetAccountActive(ctx, tenantID, acc.ID, true))
	require.NoError(t, st.SetTenantActive(ctx, tenantID, false))
	reloaded, err = st.Account(ctx, tenantID, acc.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Active)
	assert.False(t, reloaded.Tenant.Active)
	assert.False(t, reloaded.CanAuthenticate())

	assert.ErrorIs(t, st.SetTenantActive(ctx, tenantID+1000, false), storage.ErrTenantNotFound)
	assert.ErrorIs(t, st.SetAccountActive(ctx, tenantID+1000, acc.ID, false), storage.ErrAccountNotFound)
}

func TestCancelledContext_NoPartialWrites(t *testing.T) {
	st := sqlitetest.New(t)
	ctx := context.Background()
	tenantID := sqlitetest.Tenant(t, st)
	acc := sqlitetest.Account(t, st, tenantID, "").Account
	now := time.Now()

	refresh := func(hash string) models.RefreshToken {
		return models.RefreshToken{
			TokenHash: hash,
			AccountID: acc.ID,
			TenantID:  tenantID,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
	}
	reset := func(hash string) models.PasswordReset {
		return models.PasswordReset{
			TokenHash: hash,
			AccountID: acc.ID,
			TenantID:  tenantID,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
	}

	require.NoError(t, st.SaveRefreshToken(ctx, refresh("root")))
	require.NoError(t, st.SavePasswordReset(ctx, reset("active")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	assert.ErrorIs(t, st.SaveRefreshToken(cancelled, refresh("orphan")), context.Canceled)
	assert.ErrorIs(t, st.RotateRefreshToken(cancelled, tenantID, acc.ID, "root", refresh("successor"), now), context.Canceled)
	assert.ErrorIs(t, st.SavePasswordReset(cancelled, reset("replacement")), context.Canceled)

	for _, hash := range []string{"orphan", "successor"} {
		_, err := st.RefreshToken(ctx, tenantID, acc.ID, hash)
		assert.ErrorIs(t, err, storage.ErrTokenNotFound, hash)
	}
	root, err := st.RefreshToken(ctx, tenantID, acc.ID, "root")
	require.NoError(t, err)
	assert.True(t, root.Usable(now))
	assert.Nil(t, root.ReplacedByHash)

	_, err = st.PasswordReset(ctx, "replacement")
	assert.ErrorIs(t, err, storage.ErrResetNotFound)
	active, err := st.PasswordReset(ctx, "active")
	require.NoError(t, err)
	assert.True(t, active.Usable(now))
}
