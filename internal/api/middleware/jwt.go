package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const carerKey contextKey = "carer"

const (
	// carerTokenTTL is the lifetime of a carer token.
	carerTokenTTL = 12 * time.Hour

	tokenIssuer   = "carephone"
	carerAudience = "carer"
)

// CarerClaims are the claims of a carer token. The phone has a single carer
// account, so the subject is fixed and the token ID names the login.
type CarerClaims struct {
	jwt.RegisteredClaims
}

// GenerateCarerToken signs a token for a carer who entered the right PIN.
func GenerateCarerToken(secret []byte, loginID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(carerTokenTTL)

	claims := CarerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        loginID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   carerAudience,
			Audience:  jwt.ClaimStrings{carerAudience},
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireCarerAuth returns middleware that admits requests carrying a
// valid carer bearer token. The WebSocket handshake cannot set headers
// from a browser, so a token query parameter is accepted as well.
func RequireCarerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &CarerClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("carer auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Issuer != tokenIssuer || !claims.VerifyAudience(carerAudience, true) {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), carerKey, claims.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CarerLoginFromContext returns the login ID of the authenticated carer, or
// "" when the request was not authenticated.
func CarerLoginFromContext(ctx context.Context) string {
	id, _ := ctx.Value(carerKey).(string)
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
