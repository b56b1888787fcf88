package pulse

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestParseTokenClaims(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("explicit user id", func(t *testing.T) {
		tok := signTestToken(t, TokenClaims{
			UserID:           "u1",
			Username:         "alice",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		})
		c, err := ParseTokenClaims(tok)
		if err != nil {
			t.Fatal(err)
		}
		if c.UserID != "u1" || c.Username != "alice" {
			t.Errorf("claims = %+v", c)
		}
		got, ok := c.Expiry()
		if !ok || !got.Equal(exp) {
			t.Errorf("expiry = %v %v", got, ok)
		}
		if c.Expired(exp.Add(-time.Second)) || !c.Expired(exp) {
			t.Error("Expired boundary wrong")
		}
	})

	t.Run("subject fallback", func(t *testing.T) {
		tok := signTestToken(t, jwt.RegisteredClaims{Subject: "u2"})
		c, err := ParseTokenClaims(tok)
		if err != nil {
			t.Fatal(err)
		}
		if c.UserID != "u2" {
			t.Errorf("UserID = %q", c.UserID)
		}
		if _, ok := c.Expiry(); ok || c.Expired(time.Now()) {
			t.Error("token without exp reported an expiry")
		}
	})

	t.Run("signature is not checked", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{UserID: "u3"}).SignedString([]byte("other"))
		if err != nil {
			t.Fatal(err)
		}
		if c, err := ParseTokenClaims(tok); err != nil || c.UserID != "u3" {
			t.Errorf("claims = %+v err = %v", c, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := ParseTokenClaims("not-a-token"); err == nil {
			t.Error("expected error")
		}
	})
}
