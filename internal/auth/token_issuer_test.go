package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "operator-1")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "dataaccount-indexer" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "dataaccount-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueToken(context.Background(), "operator-2")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "operator-2" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for a foreign signature")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return clock() },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueToken(context.Background(), "operator-3")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = now.Add(2 * time.Minute)
	_, err = issuer.ValidateToken(tokenString)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	valid := TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      5 * time.Minute,
	}
	tests := []struct {
		name   string
		mutate func(*TokenIssuerConfig)
		want   error
	}{
		{name: "secret", mutate: func(cfg *TokenIssuerConfig) { cfg.SigningSecret = nil }, want: errMissingSigningSecret},
		{name: "issuer", mutate: func(cfg *TokenIssuerConfig) { cfg.Issuer = "" }, want: errMissingIssuer},
		{name: "audience", mutate: func(cfg *TokenIssuerConfig) { cfg.Audience = " " }, want: errMissingAudience},
		{name: "ttl", mutate: func(cfg *TokenIssuerConfig) { cfg.TokenTTL = 0 }, want: errInvalidTokenTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if _, err := NewTokenIssuer(cfg); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), " "); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestTokenIssuerRejectsOtherSigningMethods(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("shared-secret"),
		Issuer:        "dataaccount-indexer",
		Audience:      "dataaccount-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	now := time.Now()
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "operator-3",
		Issuer:    "dataaccount-indexer",
		Audience:  jwt.ClaimStrings{"dataaccount-api"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}).SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := issuer.ValidateToken(forged); err == nil {
		t.Fatalf("expected HS512 token to be rejected")
	}
}
