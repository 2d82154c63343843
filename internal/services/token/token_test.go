package token_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal/internal/cache/memory"
	"portal/internal/domain/models"
	"portal/internal/lib/jwt"
	"portal/internal/lib/logger/handlers/slogdiscard"
	"portal/internal/services/secret"
	"portal/internal/services/token"
	"portal/internal/storage/sqlite"
	"portal/internal/storage/sqlite/sqlitetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type suite struct {
	st      *sqlite.Storage
	svc     *token.Service
	account *models.Account
	now     time.Time
}

func newSuite(t *testing.T) *suite {
	t.Helper()

	st := sqlitetest.New(t)
	tenantID := sqlitetest.Tenant(t, st)
	require.NoError(t, st.SaveSecret(context.Background(), models.Secret{
		TenantID: tenantID, Key: models.SecretJWT, Value: "tenant-secret",
	}))

	s := &suite{
		st:      st,
		account: sqlitetest.Account(t, st, tenantID, "").Account,
		now:     time.Now(),
	}

	log := slogdiscard.NewDiscardLogger()
	keys := secret.New(log, st, memory.New(), time.Minute, "global-secret")
	s.svc = token.New(log, keys, st, st, token.Config{
		Issuer:        "portal",
		Audience:      "portal-clients",
		AccessTTL:     time.Hour,
		RefreshPepper: "pepper",
	}).WithClock(func() time.Time { return s.now })

	return s
}

func TestIssueAndValidate(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	pair, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Len(t, pair.RefreshToken, 43)
	assert.Equal(t, s.now.Add(time.Hour).Unix(), pair.ExpiresAt.Unix())

	claims, err := s.svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.account.TenantID, claims.TenantID)
	assert.Equal(t, s.account.Email, claims.Email)
	assert.Equal(t, s.account.SecurityStamp, claims.SecurityStamp)

	// signed with the tenant secret, not the global one
	_, err = jwt.ParseToken(pair.AccessToken, []byte("global-secret"), jwt.Options{}, s.now)
	assert.Error(t, err)

	accountID, tenantID, ok := s.svc.ExtractIDs(pair.AccessToken)
	require.True(t, ok)
	assert.Equal(t, s.account.ID, accountID)
	assert.Equal(t, s.account.TenantID, tenantID)

	_, _, ok = s.svc.ExtractIDs("garbage")
	assert.False(t, ok)
}

func TestValidate_Rejects(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	pair, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)

	_, err = s.svc.Validate(ctx, "garbage")
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)

	forged, _, err := jwt.GenerateToken(s.account, []byte("global-secret"), jwt.Options{
		Issuer: "portal", Audience: "portal-clients", TTL: time.Hour,
	}, s.now)
	require.NoError(t, err)
	_, err = s.svc.Validate(ctx, forged)
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)

	s.now = s.now.Add(time.Hour + time.Second)
	_, err = s.svc.Validate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
}

func TestRefresh_RotatesOnce(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	pair, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)

	// an expired access token still identifies the account
	s.now = s.now.Add(2 * time.Hour)

	next, err := s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	_, err = s.svc.Validate(ctx, next.AccessToken)
	require.NoError(t, err)

	_, err = s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)

	_, err = s.svc.Refresh(ctx, next.AccessToken, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_Rejects(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	pair, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)

	other := sqlitetest.Account(t, s.st, s.account.TenantID, "").Account
	otherPair, err := s.svc.Issue(ctx, other)
	require.NoError(t, err)

	tests := []struct {
		name    string
		access  string
		refresh string
	}{
		{name: "malformed access token", access: "garbage", refresh: pair.RefreshToken},
		{name: "empty refresh token", access: pair.AccessToken, refresh: ""},
		{name: "unknown refresh token", access: pair.AccessToken, refresh: "unknown"},
		{name: "refresh token of another account", access: pair.AccessToken, refresh: otherPair.RefreshToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.svc.Refresh(ctx, tt.access, tt.refresh)
			assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
		})
	}

	s.now = s.now.Add(token.DefaultRefreshTTL + time.Second)
	_, err = s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	pair, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}

func TestRevoke_AllTokens(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()

	first, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)
	second, err := s.svc.Issue(ctx, s.account)
	require.NoError(t, err)

	n, err := s.svc.Revoke(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, p := range []token.Pair{first, second} {
		_, err := s.svc.Refresh(ctx, p.AccessToken, p.RefreshToken)
		assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
	}

	_, err = s.svc.Revoke(ctx, "garbage")
	assert.ErrorIs(t, err, token.ErrInvalidOrExpired)
}

func TestRefresh_RejectsDeactivated(t *testing.T) {
	tests := []struct {
		name      string
		setActive func(s *suite, active bool) error
	}{
		{
			name: "account",
			setActive: func(s *suite, active bool) error {
				return s.st.SetAccountActive(context.Background(), s.account.TenantID, s.account.ID, active)
			},
		},
		{
			name: "tenant",
			setActive: func(s *suite, active bool) error {
				return s.st.SetTenantActive(context.Background(), s.account.TenantID, active)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSuite(t)
			ctx := context.Background()

			pair, err := s.svc.Issue(ctx, s.account)
			require.NoError(t, err)

			require.NoError(t, tt.setActive(s, false))
			_, err = s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
			assert.ErrorIs(t, err, token.ErrInvalidOrExpired)

			// the rejected attempt did not spend the refresh token
			require.NoError(t, tt.setActive(s, true))
			_, err = s.svc.Refresh(ctx, pair.AccessToken, pair.RefreshToken)
			assert.NoError(t, err)
		})
	}
}
