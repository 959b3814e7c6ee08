package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify the caller of an API request.
type Claims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken mints an HS256 token for tenantID valid for ttl.
func GenerateToken(secret, tenantID, userID string, admin bool, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		UserID:   userID,
		Admin:    admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses and verifies an HS256 token.
func ValidateToken(token, secret string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TenantID == "" && !claims.Admin {
		return nil, errors.New("token has no tenant_id")
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// authenticate verifies the bearer token. With no secret configured every
// request passes through without claims.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := ValidateToken(token, s.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// requireAdmin rejects callers without the admin claim.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next(w, r)
			return
		}
		if c, ok := claimsFrom(r.Context()); !ok || !c.Admin {
			writeError(w, http.StatusForbidden, "forbidden", "admin token required")
			return
		}
		next(w, r)
	}
}

// tenant resolves the acting tenant: the token's when auth is on, otherwise
// the one the caller supplied.
func (s *Server) tenant(r *http.Request, supplied string) string {
	if c, ok := claimsFrom(r.Context()); ok && c.TenantID != "" {
		return c.TenantID
	}
	return supplied
}

// canSee reports whether the caller may read tenantID's requests.
func (s *Server) canSee(r *http.Request, tenantID string) bool {
	c, ok := claimsFrom(r.Context())
	if !ok {
		return s.secret == ""
	}
	return c.Admin || c.TenantID == tenantID
}
