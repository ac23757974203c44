package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseTokenRoundTrip(t *testing.T) {
	tok := sign(t, "dev-secret", Claims{
		UserID:   42,
		Username: "alice",
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := ParseToken(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Username != "alice" || claims.Type != "access" {
		t.Fatalf("claims wrong: %+v", claims)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	tok := sign(t, "someone-else", Claims{UserID: 1, Type: "access"})
	if _, err := ParseToken(tok); err == nil {
		t.Fatalf("token signed with wrong secret must be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	tok := sign(t, "dev-secret", Claims{
		UserID: 1,
		Type:   "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	if _, err := ParseToken(tok); err == nil {
		t.Fatalf("expired token must be rejected")
	}
}
