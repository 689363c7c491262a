package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/taskmarket/order-chat/internal/chaterr"
)

const testSecret = "test-secret"

func TestVerify_Valid(t *testing.T) {
	v := NewJWTVerifier(testSecret, "taskmarket")
	userID := uuid.NewString()

	token, err := MakeToken(userID, "client", testSecret, "taskmarket", time.Hour)
	if err != nil {
		t.Fatalf("MakeToken: %v", err)
	}
	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != userID || id.Role != "client" {
		t.Fatalf("Identity = %+v", id)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := NewJWTVerifier(testSecret, "taskmarket")
	userID := uuid.NewString()

	expired, _ := MakeToken(userID, "", testSecret, "taskmarket", -time.Minute)
	wrongSecret, _ := MakeToken(userID, "", "other-secret", "taskmarket", time.Hour)
	wrongIssuer, _ := MakeToken(userID, "", testSecret, "elsewhere", time.Hour)
	badSubject, _ := MakeToken("not-a-uuid", "", testSecret, "taskmarket", time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: userID,
		Issuer:  "taskmarket",
	}).SignedString([]byte(testSecret))

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    "taskmarket",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"expired", expired},
		{"wrong secret", wrongSecret},
		{"wrong issuer", wrongIssuer},
		{"subject not uuid", badSubject},
		{"missing exp", noExp},
		{"wrong algorithm", hs512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, chaterr.ErrUnauthorized) {
				t.Fatalf("err = %v, want Unauthorized", err)
			}
		})
	}
}

func TestVerify_NoIssuerCheck(t *testing.T) {
	v := NewJWTVerifier(testSecret, "")
	token, _ := MakeToken(uuid.NewString(), "", testSecret, "anyone", time.Hour)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer header", "/ws", "Bearer abc", "abc"},
		{"query param", "/ws?token=xyz", "", "xyz"},
		{"header wins", "/ws?token=xyz", "Bearer abc", "abc"},
		{"non-bearer header falls back", "/ws?token=xyz", "Basic zzz", "xyz"},
		{"none", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}
