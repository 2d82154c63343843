package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage"

	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", storagePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// SQLite has a single writer; one connection serializes every
	// conditional update and transaction issued by this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveTenant(ctx context.Context, name string, active bool) (int64, error) {
	const op = "storage.sqlite.SaveTenant"

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO tenants (name, active, created_at) VALUES (?, ?, ?)",
		name, active, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrTenantExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.LastInsertId()
}

func (s *Storage) Tenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	const op = "storage.sqlite.Tenant"

	var t models.Tenant
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, active FROM tenants WHERE id = ?", tenantID,
	).Scan(&t.ID, &t.Name, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &t, nil
}

// SaveSecret inserts or replaces a tenant secret.
func (s *Storage) SaveSecret(ctx context.Context, secret models.Secret) error {
	const op = "storage.sqlite.SaveSecret"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (tenant_id, key, value, description) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, description = excluded.description`,
		secret.TenantID, secret.Key, secret.Value, secret.Description,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Secret(ctx context.Context, tenantID int64, key string) (string, error) {
	const op = "storage.sqlite.Secret"

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM secrets WHERE tenant_id = ? AND key = ?", tenantID, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrSecretNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return value, nil
}

// SaveAccount creates an account and returns its id. The role is referenced by name.
func (s *Storage) SaveAccount(ctx context.Context, acc *models.Account) (int64, error) {
	const op = "storage.sqlite.SaveAccount"

	created := acc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (tenant_id, email, email_key, username, first_name, last_name, role_id,
		                      pass_hash, active, security_stamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT id FROM roles WHERE name = ?), ?, ?, ?, ?)`,
		acc.TenantID, acc.Email, storage.EmailKey(acc.Email), acc.Username, acc.FirstName, acc.LastName, acc.RoleName,
		acc.PassHash, acc.Active, acc.SecurityStamp, created.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.LastInsertId()
}

const accountColumns = `
	SELECT a.id, a.tenant_id, t.name, t.active, a.email, a.username, a.first_name, a.last_name,
	       r.name, a.pass_hash, a.active, a.failed_logins, a.lockout_until, a.security_stamp,
	       a.last_login_at, a.password_changed_at, a.created_at
	FROM accounts a
	JOIN tenants t ON t.id = a.tenant_id
	JOIN roles r ON r.id = a.role_id`

func (s *Storage) Account(ctx context.Context, tenantID, accountID int64) (*models.Account, error) {
	const op = "storage.sqlite.Account"

	row := s.db.QueryRowContext(ctx, accountColumns+" WHERE a.tenant_id = ? AND a.id = ?", tenantID, accountID)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return acc, nil
}

func (s *Storage) SetTenantActive(ctx context.Context, tenantID int64, active bool) error {
	const op = "storage.sqlite.SetTenantActive"

	res, err := s.db.ExecContext(ctx, "UPDATE tenants SET active = ? WHERE id = ?", active, tenantID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return expectAffected(res, op, storage.ErrTenantNotFound)
}

// SetAccountActive enables or disables an account. Refresh tokens stay as they
// are; token refresh rejects inactive accounts.
func (s *Storage) SetAccountActive(ctx context.Context, tenantID, accountID int64, active bool) error {
	const op = "storage.sqlite.SetAccountActive"

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET active = ? WHERE tenant_id = ? AND id = ?",
		active, tenantID, accountID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return expectAffected(res, op, storage.ErrAccountNotFound)
}

// AccountsByEmail returns every account registered with email, across tenants.
// Emails match case-insensitively.
func (s *Storage) AccountsByEmail(ctx context.Context, email string) ([]models.Account, error) {
	const op = "storage.sqlite.AccountsByEmail"

	rows, err := s.db.QueryContext(ctx, accountColumns+" WHERE a.email_key = ? ORDER BY a.id", storage.EmailKey(email))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return accounts, nil
}

// IncrementFailedLogins atomically bumps the failure counter and locks the
// account once the new count reaches threshold. A counter left over from an
// expired lockout restarts at one.
func (s *Storage) IncrementFailedLogins(
	ctx context.Context,
	tenantID, accountID int64,
	threshold int,
	lockFor time.Duration,
	now time.Time,
) (int, *time.Time, error) {
	const op = "storage.sqlite.IncrementFailedLogins"

	nowUnix := now.Unix()
	var (
		failed int
		until  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET failed_logins = CASE
		        WHEN lockout_until IS NOT NULL AND lockout_until <= :now THEN 1
		        ELSE failed_logins + 1
		    END,
		    lockout_until = CASE
		        WHEN (CASE WHEN lockout_until IS NOT NULL AND lockout_until <= :now THEN 1
		                   ELSE failed_logins + 1 END) >= :threshold THEN :until
		        WHEN lockout_until IS NOT NULL AND lockout_until <= :now THEN NULL
		        ELSE lockout_until
		    END
		WHERE tenant_id = :tenant AND id = :account
		RETURNING failed_logins, lockout_until`,
		sql.Named("now", nowUnix),
		sql.Named("threshold", threshold),
		sql.Named("until", now.Add(lockFor).Unix()),
		sql.Named("tenant", tenantID),
		sql.Named("account", accountID),
	).Scan(&failed, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	return failed, fromUnix(until), nil
}

// RecordSuccessfulLogin clears lockout state, stamps the login time and
// replaces the security stamp.
// RecordSuccessfulLogin resets the failure counter unless a lockout set by a
// concurrent failure is still running at at, in which case it returns
// storage.ErrAccountLocked.
func (s *Storage) RecordSuccessfulLogin(ctx context.Context, tenantID, accountID int64, stamp string, at time.Time) error {
	const op = "storage.sqlite.RecordSuccessfulLogin"

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET failed_logins = 0, lockout_until = NULL, last_login_at = ?, security_stamp = ?
		WHERE tenant_id = ? AND id = ? AND (lockout_until IS NULL OR lockout_until <= ?)`,
		at.Unix(), stamp, tenantID, accountID, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		if _, err := s.Account(ctx, tenantID, accountID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrAccountLocked)
	}

	return nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	if err := insertRefreshToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tenantID, accountID int64, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	var (
		t                models.RefreshToken
		created, expires int64
		revoked          sql.NullInt64
		replacedBy       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, account_id, tenant_id, created_at, expires_at, revoked_at, replaced_by_hash
		FROM refresh_tokens
		WHERE tenant_id = ? AND account_id = ? AND token_hash = ?`,
		tenantID, accountID, tokenHash,
	).Scan(&t.ID, &t.TokenHash, &t.AccountID, &t.TenantID, &created, &expires, &revoked, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	t.CreatedAt = time.Unix(created, 0)
	t.ExpiresAt = time.Unix(expires, 0)
	t.RevokedAt = fromUnix(revoked)
	if replacedBy.Valid {
		t.ReplacedByHash = &replacedBy.String
	}

	return &t, nil
}

// RotateRefreshToken revokes the presented token and stores its successor in
// one transaction. The revoke only matches a usable token, so of several
// concurrent rotations of the same token exactly one commits; the others get
// storage.ErrTokenNotFound.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	tenantID, accountID int64,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) error {
	const op = "storage.sqlite.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = ?, replaced_by_hash = ?
		WHERE tenant_id = ? AND account_id = ? AND token_hash = ?
		  AND revoked_at IS NULL AND expires_at > ?`,
		now.Unix(), next.TokenHash, tenantID, accountID, oldHash, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}
	if err := expectAffected(res, op, storage.ErrTokenNotFound); err != nil {
		return err
	}

	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

// RevokeRefreshTokens revokes every usable refresh token of the account.
func (s *Storage) RevokeRefreshTokens(ctx context.Context, tenantID, accountID int64, now time.Time) (int64, error) {
	const op = "storage.sqlite.RevokeRefreshTokens"

	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE tenant_id = ? AND account_id = ? AND revoked_at IS NULL AND expires_at > ?`,
		now.Unix(), tenantID, accountID, now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

// SavePasswordReset invalidates every unused reset of the account and stores
// the new one in one transaction.
func (s *Storage) SavePasswordReset(ctx context.Context, reset models.PasswordReset) error {
	const op = "storage.sqlite.SavePasswordReset"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"UPDATE password_resets SET used = 1 WHERE tenant_id = ? AND account_id = ? AND used = 0",
		reset.TenantID, reset.AccountID,
	)
	if err != nil {
		return fmt.Errorf("%s: invalidate: %w", op, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO password_resets (account_id, tenant_id, token_hash, created_at, expires_at, used)
		VALUES (?, ?, ?, ?, ?, 0)`,
		reset.AccountID, reset.TenantID, reset.TokenHash, reset.CreatedAt.Unix(), reset.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%s: insert: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

func (s *Storage) PasswordReset(ctx context.Context, tokenHash string) (*models.PasswordReset, error) {
	const op = "storage.sqlite.PasswordReset"

	var (
		r                models.PasswordReset
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token_hash, account_id, tenant_id, created_at, expires_at, used
		FROM password_resets WHERE token_hash = ?`, tokenHash,
	).Scan(&r.ID, &r.TokenHash, &r.AccountID, &r.TenantID, &created, &expires, &r.Used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrResetNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	r.CreatedAt = time.Unix(created, 0)
	r.ExpiresAt = time.Unix(expires, 0)

	return &r, nil
}

// ConsumePasswordReset marks the reset used, writes the new password hash and
// security stamp and revokes the account's refresh tokens in one transaction. It fails with storage.ErrResetNotFound
// unless the reset is still unused and unexpired.
func (s *Storage) ConsumePasswordReset(
	ctx context.Context,
	tenantID, accountID int64,
	tokenHash string,
	passHash []byte,
	stamp string,
	now time.Time,
) error {
	const op = "storage.sqlite.ConsumePasswordReset"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE password_resets SET used = 1
		WHERE tenant_id = ? AND account_id = ? AND token_hash = ? AND used = 0 AND expires_at > ?`,
		tenantID, accountID, tokenHash, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%s: mark used: %w", op, err)
	}
	if err := expectAffected(res, op, storage.ErrResetNotFound); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET pass_hash = ?, security_stamp = ?, password_changed_at = ?
		WHERE tenant_id = ? AND id = ?`,
		passHash, stamp, now.Unix(), tenantID, accountID,
	)
	if err != nil {
		return fmt.Errorf("%s: update password: %w", op, err)
	}
	if err := expectAffected(res, op, storage.ErrAccountNotFound); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked_at = ?
		WHERE tenant_id = ? AND account_id = ? AND revoked_at IS NULL`,
		now.Unix(), tenantID, accountID,
	)
	if err != nil {
		return fmt.Errorf("%s: revoke refresh tokens: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

func (s *Storage) SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	const op = "storage.sqlite.SaveAuditEntry"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audit (tenant_id, account_id, event, email, success, details, ip_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.AccountID, entry.Event, entry.Email, entry.Success,
		entry.Details, entry.IPAddress, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, t models.RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (account_id, tenant_id, token_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.AccountID, t.TenantID, t.TokenHash, t.CreatedAt.Unix(), t.ExpiresAt.Unix(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*models.Account, error) {
	var (
		acc                         models.Account
		lockout, lastLogin, changed sql.NullInt64
		created                     int64
	)
	err := row.Scan(
		&acc.ID, &acc.TenantID, &acc.Tenant.Name, &acc.Tenant.Active,
		&acc.Email, &acc.Username, &acc.FirstName, &acc.LastName,
		&acc.RoleName, &acc.PassHash, &acc.Active, &acc.FailedLogins, &lockout,
		&acc.SecurityStamp, &lastLogin, &changed, &created,
	)
	if err != nil {
		return nil, err
	}

	acc.Tenant.ID = acc.TenantID
	acc.LockoutUntil = fromUnix(lockout)
	acc.LastLoginAt = fromUnix(lastLogin)
	acc.PasswordChangedAt = fromUnix(changed)
	acc.CreatedAt = time.Unix(created, 0)

	return &acc, nil
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func expectAffected(res sql.Result, op string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, notFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
