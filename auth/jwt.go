// Package auth issues and checks role-scoped bearer tokens.
//
// Three roles exist. A customer token's subject is the wallet address, a
// shop token's subject is the shop ID, and an admin token may act on any
// resource.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/repaircoin/rcn-engine/ledger"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleShop     Role = "shop"
	RoleAdmin    Role = "admin"
)

const issuer = "rcn-engine"

var (
	ErrMissingToken = errors.New("authorization header required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("forbidden")
)

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and validates HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for subject acting as role. Customer
// subjects are normalized like every other address.
func (t *Tokens) Issue(role Role, subject string) (string, error) {
	if role == RoleCustomer {
		subject = string(ledger.NormalizeAddress(subject))
	}
	now := t.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type contextKey struct{}

// FromContext returns the claims placed by Authenticate, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

// Authenticate parses the bearer token into the request context. A nil
// Tokens disables auth and every request passes through.
func Authenticate(t *Tokens, onError func(w http.ResponseWriter, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if t == nil {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				onError(w, http.StatusUnauthorized, ErrMissingToken)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				onError(w, http.StatusUnauthorized, ErrInvalidToken)
				return
			}
			claims, err := t.Validate(parts[1])
			if err != nil {
				onError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
		})
	}
}

// Require allows admins, plus callers holding role whose subject equals
// the chi URL parameter named param. An empty param skips the subject check.
// Without claims in the context (auth disabled) every request passes.
func Require(role Role, param string, onError func(w http.ResponseWriter, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok || claims.Role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			if claims.Role != role {
				onError(w, http.StatusForbidden, ErrForbidden)
				return
			}
			if param != "" {
				want := chi.URLParam(r, param)
				if role == RoleCustomer {
					want = string(ledger.NormalizeAddress(want))
				}
				if claims.Subject != want {
					onError(w, http.StatusForbidden, ErrForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject returns the caller's subject when it holds role, for handlers
// that need the acting customer without it being in the path.
func Subject(ctx context.Context, role Role) (string, bool) {
	claims, ok := FromContext(ctx)
	if !ok || claims.Role != role {
		return "", false
	}
	return claims.Subject, true
}
