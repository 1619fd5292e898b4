package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenIssuer mints and verifies the HS256 bearer tokens for the API.
type TokenIssuer struct {
	key jwk.Key
	ttl time.Duration
}

// NewTokenIssuer builds an issuer from the shared signing secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to build signing key: %w", err)
	}
	return &TokenIssuer{key: key, ttl: ttl}, nil
}

// Issue returns a signed token for the username.
func (t *TokenIssuer) Issue(username string) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(username).
		IssuedAt(now).
		Expiration(now.Add(t.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Verify validates a token and returns its subject.
func (t *TokenIssuer) Verify(raw string) (string, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, t.key),
		jwt.WithValidate(true),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	sub := tok.Subject()
	if sub == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return sub, nil
}

// Middleware guards a gin route group. On success the username is stored in
// the request context under "username".
func (t *TokenIssuer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		raw = strings.TrimPrefix(raw, "Bearer ")

		username, err := t.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("username", username)
		c.Next()
	}
}
