package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleIssuer may anchor certificates and operate on anchor records.
const RoleIssuer = "issuer"

// Claims are the JWT claims expected on write routes.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool { return slices.Contains(c.Roles, role) }

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns nil for an empty secret, which disables auth.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and validates a JWT token string.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue mints a token for subject with roles, valid for ttl.
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type claimsKey struct{}

// ClaimsFrom returns the claims of an authenticated request.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// RequireRole rejects requests without a valid bearer token carrying role.
// A nil Authenticator lets every request through.
func (a *Authenticator) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteProblem(w, r, http.StatusUnauthorized, CodeUnauthenticated, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				WriteProblem(w, r, http.StatusUnauthorized, CodeUnauthenticated, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			claims, err := a.Validate(strings.TrimSpace(tokenStr))
			if err != nil {
				WriteProblem(w, r, http.StatusUnauthorized, CodeUnauthenticated, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteProblem(w, r, http.StatusUnauthorized, CodeUnauthenticated, "Token subject is required")
				return
			}
			if !claims.HasRole(role) {
				WriteProblem(w, r, http.StatusForbidden, CodeForbidden, fmt.Sprintf("Role %q required", role))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
