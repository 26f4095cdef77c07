// Package auth issues and validates the HS256 bearer tokens that guard the query API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errInvalidTokenTTL      = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig holds the shared secret and claims expected of query API tokens.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints operator tokens for the query API and checks them on each request.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewTokenIssuer rejects configurations missing a secret, issuer, audience or lifetime.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, errMissingSigningSecret
	case issuer == "":
		return nil, errMissingIssuer
	case audience == "":
		return nil, errMissingAudience
	case cfg.TokenTTL <= 0:
		return nil, errInvalidTokenTTL
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{
		secret:   cfg.SigningSecret,
		issuer:   issuer,
		audience: audience,
		ttl:      cfg.TokenTTL,
		now:      now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// IssueToken signs a token naming subject as the operator. The second result is the
// token lifetime in seconds.
func (i *TokenIssuer) IssueToken(_ context.Context, subject string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	issuedAt := i.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign api token: %w", err)
	}
	return signed, int64(i.ttl / time.Second), nil
}

// ValidateToken returns the operator named by a token presented to the query API.
// Expired tokens fail with an error wrapping jwt.ErrTokenExpired.
func (i *TokenIssuer) ValidateToken(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := i.parser.ParseWithClaims(raw, &claims, i.signingKey); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}

func (i *TokenIssuer) signingKey(*jwt.Token) (interface{}, error) {
	return i.secret, nil
}
