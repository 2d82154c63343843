package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"portal/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingClaims = errors.New("token is missing account or tenant claims")

// Claims is the access token claim set. The subject carries the account id.
type Claims struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	TenantID      int64  `json:"tenant_id"`
	TenantName    string `json:"tenant_name"`
	Role          string `json:"role"`
	SecurityStamp string `json:"security_stamp"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrMissingClaims
	}
	return id, nil
}

// Options are the issuer-wide token settings.
type Options struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken creates an HS256 access token for the account signed with secret.
func GenerateToken(
	account *models.Account,
	secret []byte,
	opts Options,
	now time.Time,
) (string, time.Time, error) {
	expiresAt := now.Add(opts.TTL)

	claims := Claims{
		Name:          account.DisplayName(),
		Email:         account.Email,
		TenantID:      account.TenantID,
		TenantName:    account.Tenant.Name,
		Role:          account.RoleName,
		SecurityStamp: account.SecurityStamp,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(account.ID, 10),
			Issuer:    opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{opts.Audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return token, expiresAt.Truncate(time.Second), nil
}

// ParseToken verifies signature, issuer, audience and expiry (no leeway) and
// returns the claims.
func ParseToken(tokenString string, secret []byte, opts Options, now time.Time) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	claims := &Claims{}
	token, err := jwt.NewParser(parserOpts...).ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ParseUnverified decodes the claims without checking the signature or expiry.
// The result is only fit for routing, e.g. picking the tenant secret.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractIDs returns the account and tenant ids of a token without verifying it.
func ExtractIDs(tokenString string) (accountID, tenantID int64, err error) {
	claims, err := ParseUnverified(tokenString)
	if err != nil {
		return 0, 0, err
	}

	accountID, err = claims.AccountID()
	if err != nil {
		return 0, 0, err
	}
	if claims.TenantID <= 0 {
		return 0, 0, ErrMissingClaims
	}

	return accountID, claims.TenantID, nil
}
