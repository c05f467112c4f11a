package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/spacetrove/trove/pkg/core"
)

const (
	// APIKeyPrefix identifies trove API keys.
	APIKeyPrefix = "trove_"
	// APIKeyLength is the number of random bytes behind a key.
	APIKeyLength = 32
)

// Claims is the JWT payload for a session token.
type Claims struct {
	Shortname string `json:"shortname"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a manager signing with an HMAC secret. ttl <= 0
// defaults to 24 hours.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Sign issues a session token for a user shortname.
func (tm *TokenManager) Sign(shortname string) (string, error) {
	now := time.Now()
	claims := Claims{
		Shortname: shortname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shortname,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns its claims. Expired, malformed
// or foreign-signed tokens all fail NOT_ALLOWED.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, core.NewError(core.CodeNotAllowed, "invalid session token").WithCause(err)
	}
	if !token.Valid || claims.Shortname == "" {
		return nil, core.NewError(core.CodeNotAllowed, "invalid session token")
	}
	return claims, nil
}

// GenerateAPIKey creates a long-lived API key. The plaintext key is returned
// once; only the SHA256 hash is meant to be stored.
func GenerateAPIKey() (key string, keyHash string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	return key, HashAPIKey(key), nil
}

// HashAPIKey computes the stored hash of an API key for lookup.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// ValidateAPIKeyFormat checks the shape of a presented key before hashing.
func ValidateAPIKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return core.NewError(core.CodeNotAllowed, "API key must start with %q", APIKeyPrefix)
	}
	encoded := strings.TrimPrefix(key, APIKeyPrefix)
	if encoded == "" {
		return core.NewError(core.CodeNotAllowed, "API key is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return core.NewError(core.CodeNotAllowed, "invalid API key encoding").WithCause(err)
	}
	return nil
}
