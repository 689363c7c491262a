// Package auth verifies the bearer credential presented on the WebSocket
// handshake and turns it into an Identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string // "client", "contractor" or empty
}

// Verifier turns a bearer token into an Identity. Failures are Unauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims are the token claims accepted by JWTVerifier.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var _ Verifier = (*JWTVerifier)(nil)

// JWTVerifier validates HS256 tokens whose subject is a user UUID.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer disables the issuer
// check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func unauthorized(msg string, err error) error {
	return chaterr.Wrap(chaterr.Unauthorized, msg, fmt.Errorf("auth: %w", err))
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, chaterr.New(chaterr.Unauthorized, "missing token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		opts...,
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, unauthorized("token expired", err)
		}
		return Identity{}, unauthorized("invalid token", err)
	}
	if !parsed.Valid {
		return Identity{}, chaterr.New(chaterr.Unauthorized, "invalid token")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Identity{}, unauthorized("invalid subject", err)
	}
	return Identity{UserID: id.String(), Role: claims.Role}, nil
}

// MakeToken signs a token for userID. Used by tests and local tooling.
func MakeToken(userID, role, secret, issuer string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	})
	return token.SignedString([]byte(secret))
}

// TokenFromRequest extracts the credential from the Authorization header,
// falling back to the "token" query parameter for browser clients that
// cannot set headers on a WebSocket handshake.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}
