package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicflow/api/internal/util"
	"github.com/golang-jwt/jwt/v5"
)

const magicLinkAudience = "clinicflow:magic-link"

// MagicClaims identify the principal a one-time login link was issued for.
type MagicClaims struct {
	Email      string `json:"email"`
	ProposalID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

func IssueMagicToken(secret []byte, userID, email, proposalID string, ttl time.Duration, now time.Time) (IssuedToken, error) {
	if len(secret) == 0 {
		return IssuedToken{}, errors.New("magic link secret is empty")
	}
	expiresAt := now.Add(ttl)
	jti := util.NewID("ml")
	claims := MagicClaims{
		Email:      email,
		ProposalID: proposalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			Audience:  jwt.ClaimStrings{magicLinkAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign magic token: %w", err)
	}
	return IssuedToken{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

func ParseMagicToken(secret []byte, token string) (MagicClaims, error) {
	var claims MagicClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(magicLinkAudience),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return MagicClaims{}, ErrExpiredToken
	}
	if err != nil {
		return MagicClaims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return MagicClaims{}, ErrInvalidToken
	}
	return claims, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// SharedSecretMatches compares a configured shared secret with a presented
// one in constant time. An empty expected secret never matches.
func SharedSecretMatches(expected, presented string) bool {
	expected = strings.TrimSpace(expected)
	presented = strings.TrimSpace(presented)
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
