package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"portal/internal/audit"
	"portal/internal/lib/jwt"
)

type claimsKey struct{}

// Authenticator rejects requests without a valid bearer access token and
// stores its claims in the request context.
func Authenticator(log *slog.Logger, service Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, found := bearerToken(r)
			if !found {
				fail(w, r, http.StatusUnauthorized, "Authorization required")
				return
			}

			claims, err := service.Authenticate(r.Context(), raw)
			if err != nil {
				log.Debug("bearer token rejected", slog.String("path", r.URL.Path))
				fail(w, r, http.StatusUnauthorized, msgInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by Authenticator, or nil.
func ClaimsFromContext(ctx context.Context) *jwt.Claims {
	claims, _ := ctx.Value(claimsKey{}).(*jwt.Claims)
	return claims
}

// ClientIP records the caller's address for audit entries.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		next.ServeHTTP(w, r.WithContext(audit.WithClientIP(r.Context(), ip)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(header[7:])
	return raw, raw != ""
}
