package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal/internal/domain/models"
	"portal/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const undoTimeout = 5 * time.Second

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	tenants  *mongo.Collection
	accounts *mongo.Collection
	secrets  *mongo.Collection
	tokens   *mongo.Collection
	resets   *mongo.Collection
	audit    *mongo.Collection
	counters *mongo.Collection
}

type tenantDoc struct {
	ID        int64     `bson:"_id"`
	Name      string    `bson:"name"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

type accountDoc struct {
	ID                int64      `bson:"_id"`
	TenantID          int64      `bson:"tenant_id"`
	Email             string     `bson:"email"`
	EmailKey          string     `bson:"email_key"`
	Username          string     `bson:"username"`
	FirstName         string     `bson:"first_name"`
	LastName          string     `bson:"last_name"`
	Role              string     `bson:"role"`
	PassHash          []byte     `bson:"pass_hash"`
	Active            bool       `bson:"active"`
	FailedLogins      int        `bson:"failed_logins"`
	LockoutUntil      *time.Time `bson:"lockout_until"`
	SecurityStamp     string     `bson:"security_stamp"`
	LastLoginAt       *time.Time `bson:"last_login_at"`
	PasswordChangedAt *time.Time `bson:"password_changed_at"`
	CreatedAt         time.Time  `bson:"created_at"`
}

type secretDoc struct {
	TenantID    int64  `bson:"tenant_id"`
	Key         string `bson:"key"`
	Value       string `bson:"value"`
	Description string `bson:"description"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	ID             int64      `bson:"_id"`
	TokenHash      string     `bson:"token_hash"`
	AccountID      int64      `bson:"account_id"`
	TenantID       int64      `bson:"tenant_id"`
	CreatedAt      time.Time  `bson:"created_at"`
	ExpiresAt      time.Time  `bson:"expires_at"`
	RevokedAt      *time.Time `bson:"revoked_at"`
	ReplacedByHash *string    `bson:"replaced_by_hash,omitempty"`
}

type passwordResetDoc struct {
	ID        int64     `bson:"_id"`
	TokenHash string    `bson:"token_hash"`
	AccountID int64     `bson:"account_id"`
	TenantID  int64     `bson:"tenant_id"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	Used      bool      `bson:"used"`
}

type auditDoc struct {
	TenantID  *int64    `bson:"tenant_id,omitempty"`
	AccountID *int64    `bson:"account_id,omitempty"`
	Event     string    `bson:"event"`
	Email     string    `bson:"email,omitempty"`
	Success   bool      `bson:"success"`
	Details   string    `bson:"details,omitempty"`
	IPAddress string    `bson:"ip_address,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		tenants:  db.Collection("tenants"),
		accounts: db.Collection("accounts"),
		secrets:  db.Collection("secrets"),
		tokens:   db.Collection("refresh_tokens"),
		resets:   db.Collection("password_resets"),
		audit:    db.Collection("security_audit"),
		counters: db.Collection("counters"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		name  string
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{"tenants.name", s.tenants, mongo.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		// email is unique per tenant, not globally
		{"accounts.tenant_email", s.accounts, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "email_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{"accounts.email_key", s.accounts, mongo.IndexModel{
			Keys: bson.D{{Key: "email_key", Value: 1}},
		}},
		{"secrets.tenant_key", s.secrets, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{"refresh_tokens.token_hash", s.tokens, mongo.IndexModel{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{"refresh_tokens.account", s.tokens, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "account_id", Value: 1}},
		}},
		{"password_resets.token_hash", s.resets, mongo.IndexModel{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		// at most one unused reset per account
		{"password_resets.active", s.resets, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "account_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "used", Value: false}}),
		}},
		{"security_audit.created_at", s.audit, mongo.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("%s index: %w", idx.name, err)
		}
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (s *Storage) SaveTenant(ctx context.Context, name string, active bool) (int64, error) {
	const op = "storage.mongodb.SaveTenant"

	id, err := s.nextID(ctx, "tenants")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	_, err = s.tenants.InsertOne(ctx, tenantDoc{ID: id, Name: name, Active: active, CreatedAt: time.Now()})
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrTenantExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) Tenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	const op = "storage.mongodb.Tenant"

	var doc tenantDoc
	err := s.tenants.FindOne(ctx, bson.D{{Key: "_id", Value: tenantID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.Tenant{ID: doc.ID, Name: doc.Name, Active: doc.Active}, nil
}

// SaveSecret inserts or replaces a tenant secret.
func (s *Storage) SaveSecret(ctx context.Context, secret models.Secret) error {
	const op = "storage.mongodb.SaveSecret"

	filter := bson.D{{Key: "tenant_id", Value: secret.TenantID}, {Key: "key", Value: secret.Key}}
	update := bson.D{{Key: "$set", Value: secretDoc{
		TenantID:    secret.TenantID,
		Key:         secret.Key,
		Value:       secret.Value,
		Description: secret.Description,
	}}}

	if _, err := s.secrets.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Secret(ctx context.Context, tenantID int64, key string) (string, error) {
	const op = "storage.mongodb.Secret"

	var doc secretDoc
	err := s.secrets.FindOne(ctx, bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "key", Value: key}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrSecretNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return doc.Value, nil
}

// SaveAccount creates an account and returns its id. The role name is stored
// on the account document.
func (s *Storage) SaveAccount(ctx context.Context, acc *models.Account) (int64, error) {
	const op = "storage.mongodb.SaveAccount"

	id, err := s.nextID(ctx, "accounts")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	created := acc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.accounts.InsertOne(ctx, accountDoc{
		ID:            id,
		TenantID:      acc.TenantID,
		Email:         acc.Email,
		EmailKey:      storage.EmailKey(acc.Email),
		Username:      acc.Username,
		FirstName:     acc.FirstName,
		LastName:      acc.LastName,
		Role:          acc.RoleName,
		PassHash:      acc.PassHash,
		Active:        acc.Active,
		SecurityStamp: acc.SecurityStamp,
		CreatedAt:     created,
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrAccountExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) Account(ctx context.Context, tenantID, accountID int64) (*models.Account, error) {
	const op = "storage.mongodb.Account"

	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "_id", Value: accountID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tenant, err := s.Tenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.toModel(*tenant), nil
}

// SetTenantActive enables or disables a tenant.
func (s *Storage) SetTenantActive(ctx context.Context, tenantID int64, active bool) error {
	const op = "storage.mongodb.SetTenantActive"

	res, err := s.tenants.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: tenantID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: active}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTenantNotFound)
	}

	return nil
}

// SetAccountActive enables or disables an account. Refresh tokens stay as they
// are; token refresh rejects inactive accounts.
func (s *Storage) SetAccountActive(ctx context.Context, tenantID, accountID int64, active bool) error {
	const op = "storage.mongodb.SetAccountActive"

	res, err := s.accounts.UpdateOne(ctx,
		bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "_id", Value: accountID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: active}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	return nil
}

// AccountsByEmail returns every account registered with email, across tenants.
// Emails match case-insensitively.
func (s *Storage) AccountsByEmail(ctx context.Context, email string) ([]models.Account, error) {
	const op = "storage.mongodb.AccountsByEmail"

	cursor, err := s.accounts.Find(ctx,
		bson.D{{Key: "email_key", Value: storage.EmailKey(email)}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var docs []accountDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	tenantIDs := make([]int64, 0, len(docs))
	for _, d := range docs {
		tenantIDs = append(tenantIDs, d.TenantID)
	}

	tenantCursor, err := s.tenants.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: tenantIDs}}}})
	if err != nil {
		return nil, fmt.Errorf("%s: tenants: %w", op, err)
	}
	var tenantDocs []tenantDoc
	if err := tenantCursor.All(ctx, &tenantDocs); err != nil {
		return nil, fmt.Errorf("%s: tenants: %w", op, err)
	}

	tenants := make(map[int64]models.Tenant, len(tenantDocs))
	for _, t := range tenantDocs {
		tenants[t.ID] = models.Tenant{ID: t.ID, Name: t.Name, Active: t.Active}
	}

	accounts := make([]models.Account, 0, len(docs))
	for _, d := range docs {
		tenant, ok := tenants[d.TenantID]
		if !ok {
			continue
		}
		accounts = append(accounts, *d.toModel(tenant))
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
	const op = "storage.mongodb.IncrementFailedLogins"

	lockout := bson.D{{Key: "$ifNull", Value: bson.A{"$lockout_until", nil}}}
	expired := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$ne", Value: bson.A{lockout, nil}}},
		bson.D{{Key: "$lte", Value: bson.A{lockout, now}}},
	}}}
	failed := bson.D{{Key: "$cond", Value: bson.A{
		expired,
		1,
		bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$failed_logins", 0}}}, 1}}},
	}}}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "failed_logins", Value: failed},
			{Key: "lockout_until", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$gte", Value: bson.A{failed, threshold}}},
				now.Add(lockFor),
				bson.D{{Key: "$cond", Value: bson.A{expired, nil, lockout}}},
			}}}},
		}}},
	}

	var doc accountDoc
	err := s.accounts.FindOneAndUpdate(ctx,
		bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "_id", Value: accountID}},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	return doc.FailedLogins, doc.LockoutUntil, nil
}

// RecordSuccessfulLogin clears lockout state, stamps the login time and
// replaces the security stamp.
// RecordSuccessfulLogin resets the failure counter unless a lockout set by a
// concurrent failure is still running at at, in which case it returns
// storage.ErrAccountLocked.
func (s *Storage) RecordSuccessfulLogin(ctx context.Context, tenantID, accountID int64, stamp string, at time.Time) error {
	const op = "storage.mongodb.RecordSuccessfulLogin"

	res, err := s.accounts.UpdateOne(ctx,
		bson.D{
			{Key: "tenant_id", Value: tenantID},
			{Key: "_id", Value: accountID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "lockout_until", Value: nil}},
				bson.D{{Key: "lockout_until", Value: bson.D{{Key: "$lte", Value: at}}}},
			}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "failed_logins", Value: 0},
			{Key: "lockout_until", Value: nil},
			{Key: "last_login_at", Value: at},
			{Key: "security_stamp", Value: stamp},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		n, err := s.accounts.CountDocuments(ctx, bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "_id", Value: accountID}})
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrAccountLocked)
	}

	return nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	if err := s.insertRefreshToken(ctx, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tenantID, accountID int64, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "account_id", Value: accountID},
		{Key: "token_hash", Value: tokenHash},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshToken{
		ID:             doc.ID,
		TokenHash:      doc.TokenHash,
		AccountID:      doc.AccountID,
		TenantID:       doc.TenantID,
		CreatedAt:      doc.CreatedAt,
		ExpiresAt:      doc.ExpiresAt,
		RevokedAt:      doc.RevokedAt,
		ReplacedByHash: doc.ReplacedByHash,
	}, nil
}

// RotateRefreshToken revokes the presented token and stores its successor.
// The revoke is a conditional update on a usable token, so of several
// concurrent rotations exactly one wins; the others get
// storage.ErrTokenNotFound. If the successor cannot be stored the revoke is
// undone.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	tenantID, accountID int64,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) error {
	const op = "storage.mongodb.RotateRefreshToken"

	filter := bson.D{
		{Key: "tenant_id", Value: tenantID},
		{Key: "account_id", Value: accountID},
		{Key: "token_hash", Value: oldHash},
		{Key: "revoked_at", Value: nil},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
	res, err := s.tokens.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: bson.D{
		{Key: "revoked_at", Value: now},
		{Key: "replaced_by_hash", Value: next.TokenHash},
	}}})
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	if err := s.insertRefreshToken(ctx, next); err != nil {
		// the insert may have failed on ctx itself
		undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), undoTimeout)
		defer cancel()

		_, undoErr := s.tokens.UpdateOne(undoCtx,
			bson.D{{Key: "token_hash", Value: oldHash}, {Key: "replaced_by_hash", Value: next.TokenHash}},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: nil}}},
				{Key: "$unset", Value: bson.D{{Key: "replaced_by_hash", Value: ""}}},
			},
		)
		return fmt.Errorf("%s: insert new: %w", op, errors.Join(err, undoErr))
	}

	return nil
}

// RevokeRefreshTokens revokes every usable refresh token of the account.
func (s *Storage) RevokeRefreshTokens(ctx context.Context, tenantID, accountID int64, now time.Time) (int64, error) {
	const op = "storage.mongodb.RevokeRefreshTokens"

	res, err := s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "tenant_id", Value: tenantID},
			{Key: "account_id", Value: accountID},
			{Key: "revoked_at", Value: nil},
			{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: now}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

// SavePasswordReset invalidates every unused reset of the account and stores
// the new one. A partial unique index keeps at most one unused reset per
// account; losing a race against a concurrent request retries once.
func (s *Storage) SavePasswordReset(ctx context.Context, reset models.PasswordReset) error {
	const op = "storage.mongodb.SavePasswordReset"

	id, err := s.nextID(ctx, "password_resets")
	if err != nil {
		return fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := passwordResetDoc{
		ID:        id,
		TokenHash: reset.TokenHash,
		AccountID: reset.AccountID,
		TenantID:  reset.TenantID,
		CreatedAt: reset.CreatedAt,
		ExpiresAt: reset.ExpiresAt,
	}

	for attempt := 0; ; attempt++ {
		_, err = s.resets.UpdateMany(ctx,
			bson.D{
				{Key: "tenant_id", Value: reset.TenantID},
				{Key: "account_id", Value: reset.AccountID},
				{Key: "used", Value: false},
			},
			bson.D{{Key: "$set", Value: bson.D{{Key: "used", Value: true}}}},
		)
		if err != nil {
			return fmt.Errorf("%s: invalidate: %w", op, err)
		}

		_, err = s.resets.InsertOne(ctx, doc)
		if err == nil {
			return nil
		}
		if !isDuplicateKeyError(err) || attempt > 0 {
			return fmt.Errorf("%s: insert: %w", op, err)
		}
	}
}

func (s *Storage) PasswordReset(ctx context.Context, tokenHash string) (*models.PasswordReset, error) {
	const op = "storage.mongodb.PasswordReset"

	var doc passwordResetDoc
	err := s.resets.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrResetNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.PasswordReset{
		ID:        doc.ID,
		TokenHash: doc.TokenHash,
		AccountID: doc.AccountID,
		TenantID:  doc.TenantID,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
		Used:      doc.Used,
	}, nil
}

// ConsumePasswordReset marks the reset used, then writes the new password
// hash and security stamp and revokes the account's refresh tokens. It fails
// with storage.ErrResetNotFound unless the reset is still unused and
// unexpired. Marking the reset used first means a failure halfway leaves the
// old password in place and the token spent.
func (s *Storage) ConsumePasswordReset(
	ctx context.Context,
	tenantID, accountID int64,
	tokenHash string,
	passHash []byte,
	stamp string,
	now time.Time,
) error {
	const op = "storage.mongodb.ConsumePasswordReset"

	res, err := s.resets.UpdateOne(ctx,
		bson.D{
			{Key: "tenant_id", Value: tenantID},
			{Key: "account_id", Value: accountID},
			{Key: "token_hash", Value: tokenHash},
			{Key: "used", Value: false},
			{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "used", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: mark used: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrResetNotFound)
	}

	res, err = s.accounts.UpdateOne(ctx,
		bson.D{{Key: "tenant_id", Value: tenantID}, {Key: "_id", Value: accountID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "pass_hash", Value: passHash},
			{Key: "security_stamp", Value: stamp},
			{Key: "password_changed_at", Value: now},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: update password: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	_, err = s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "tenant_id", Value: tenantID},
			{Key: "account_id", Value: accountID},
			{Key: "revoked_at", Value: nil},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: now}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: revoke refresh tokens: %w", op, err)
	}

	return nil
}

func (s *Storage) SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	const op = "storage.mongodb.SaveAuditEntry"

	_, err := s.audit.InsertOne(ctx, auditDoc{
		TenantID:  entry.TenantID,
		AccountID: entry.AccountID,
		Event:     entry.Event,
		Email:     entry.Email,
		Success:   entry.Success,
		Details:   entry.Details,
		IPAddress: entry.IPAddress,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) insertRefreshToken(ctx context.Context, t models.RefreshToken) error {
	id, err := s.nextID(ctx, "refresh_tokens")
	if err != nil {
		return fmt.Errorf("nextID: %w", err)
	}

	_, err = s.tokens.InsertOne(ctx, refreshTokenDoc{
		ID:        id,
		TokenHash: t.TokenHash,
		AccountID: t.AccountID,
		TenantID:  t.TenantID,
		CreatedAt: t.CreatedAt,
		ExpiresAt: t.ExpiresAt,
	})
	return err
}

func (d *accountDoc) toModel(tenant models.Tenant) *models.Account {
	return &models.Account{
		ID:                d.ID,
		TenantID:          d.TenantID,
		Tenant:            tenant,
		Email:             d.Email,
		Username:          d.Username,
		FirstName:         d.FirstName,
		LastName:          d.LastName,
		RoleName:          d.Role,
		PassHash:          d.PassHash,
		Active:            d.Active,
		FailedLogins:      d.FailedLogins,
		LockoutUntil:      d.LockoutUntil,
		SecurityStamp:     d.SecurityStamp,
		LastLoginAt:       d.LastLoginAt,
		PasswordChangedAt: d.PasswordChangedAt,
		CreatedAt:         d.CreatedAt,
	}
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
