// Package callerauth authenticates callers of the broker's HTTP dispatch
// API. Unlike device authentication (see internal/identity, opaque bearer
// tokens only), the caller surface uses JWTs whose role claim becomes the
// ToolInvocation.role the dispatcher authorizes against.
package callerauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clawinfra/toolfabric/internal/types"
)

var (
	ErrMissingToken     = errors.New("callerauth: missing authorization token")
	ErrInvalidToken     = errors.New("callerauth: invalid token")
	ErrExpiredToken     = errors.New("callerauth: token expired")
	ErrInsufficientRole = errors.New("callerauth: insufficient role")
)

type contextKey string

const claimsKey contextKey = "fabric_caller_claims"

// Claims is the caller identity extracted from a validated JWT.
type Claims struct {
	Subject   string
	Role      types.Role
	IssuedAt  int64
	ExpiresAt int64
}

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed JWT for subject carrying role, valid for
// expiry.
func GenerateToken(subject string, role types.Role, secret []byte, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT, returning its Claims.
func ValidateToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	role, ok := types.ParseRole(jc.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized role claim %q", ErrInvalidToken, jc.Role)
	}

	return &Claims{
		Subject:   jc.Subject,
		Role:      role,
		IssuedAt:  jc.IssuedAt.Unix(),
		ExpiresAt: jc.ExpiresAt.Unix(),
	}, nil
}

// FromContext extracts the validated caller Claims from a request context.
func FromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	if !ok || claims == nil {
		return nil, ErrMissingToken
	}
	return claims, nil
}

// SecretFromEnv reads the signing secret from FABRIC_JWT_SECRET. A nil
// return enables dev mode (see Middleware).
func SecretFromEnv() []byte {
	s := os.Getenv("FABRIC_JWT_SECRET")
	if s == "" {
		return nil
	}
	return []byte(s)
}

// Middleware validates the Bearer token on every request and stashes the
// Claims in the request context. If secret is nil, dev mode is enabled —
// matches the teacher's explicit warn-and-bypass behavior rather than
// silently failing closed or open.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == nil {
				slog.Warn("JWT authentication disabled (dev mode): FABRIC_JWT_SECRET not set")
				ctx := context.WithValue(r.Context(), claimsKey, &Claims{Subject: "dev", Role: types.RoleAdmin})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, `{"error":"missing authorization token"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ValidateToken(parts[1], secret)
			if err != nil {
				http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
