package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "edgelogger"

// Claims defines the query token payload. An empty MachineID grants access to every machine.
type Claims struct {
	MachineID string `json:"machine_id,omitempty"`
	jwtlib.RegisteredClaims
}

// Scoped reports whether the token is limited to a single machine.
func (c *Claims) Scoped() bool {
	return c != nil && c.MachineID != ""
}

// Allows reports whether the claims may read data of machineID.
func (c *Claims) Allows(machineID string) bool {
	if c == nil {
		return false
	}
	return !c.Scoped() || c.MachineID == machineID
}

// GenerateToken issues a signed query token for subject, optionally scoped to machineID.
func GenerateToken(subject, machineID, secret string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret required")
	}
	now := time.Now()
	claims := Claims{
		MachineID: strings.TrimSpace(machineID),
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
