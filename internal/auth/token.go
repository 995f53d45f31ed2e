// Package auth verifies the signed bearer tokens that identify callers.
// Tokens are issued by the identity service; IssueToken exists for local
// tooling and tests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Org  string `json:"org"`
	Iat  int64  `json:"iat,omitempty"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// DefaultLeeway absorbs clock drift between the identity service and the API.
const DefaultLeeway = 30 * time.Second

// Verifier checks tokens against the active secret and any secrets retired
// during a rotation window.
type Verifier struct {
	secrets [][]byte
	leeway  time.Duration
	now     func() time.Time
}

func NewVerifier(active string, previous ...string) *Verifier {
	v := &Verifier{leeway: DefaultLeeway, now: time.Now}
	for _, secret := range append([]string{active}, previous...) {
		if secret = strings.TrimSpace(secret); secret != "" {
			v.secrets = append(v.secrets, []byte(secret))
		}
	}
	return v
}

// WithClock replaces the verifier's clock; used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

func (v *Verifier) Parse(token string) (Claims, error) {
	if len(v.secrets) == 0 {
		return Claims{}, ErrInvalidToken
	}
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !v.signedByKnownSecret(payload, signature) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Org == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}

	now := v.now()
	if claims.Iat != 0 && time.Unix(claims.Iat, 0).After(now.Add(v.leeway)) {
		return Claims{}, ErrInvalidToken
	}
	if !now.Before(time.Unix(claims.Exp, 0).Add(v.leeway)) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (v *Verifier) signedByKnownSecret(payload, signature string) bool {
	for _, secret := range v.secrets {
		if hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
			return true
		}
	}
	return false
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

// ParseToken verifies a token against a single secret with the default leeway.
func ParseToken(secret []byte, token string) (Claims, error) {
	return NewVerifier(string(secret)).Parse(token)
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
