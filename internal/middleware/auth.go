package middleware

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	apierrors "airelay-go/internal/errors"
)

// ExtractAPIKey pulls the caller key from any of the wire conventions the
// relay accepts: Bearer token, x-api-key, x-goog-api-key, or ?key=.
func ExtractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return strings.TrimSpace(auth)
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if key := c.GetHeader("x-goog-api-key"); key != "" {
		return key
	}
	return c.Query("key")
}

// keyMatches compares the provided key against the configured one. A
// configured value with a bcrypt prefix is treated as a hash; anything else
// is compared in constant time.
func keyMatches(configured, provided string) bool {
	if strings.HasPrefix(configured, "$2a$") || strings.HasPrefix(configured, "$2b$") || strings.HasPrefix(configured, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) == 1
}

// KeyPolicy bounds the shape of caller keys before any comparison.
type KeyPolicy struct {
	MinLength     int
	MaxLength     int
	PrefixPattern string
}

func (p KeyPolicy) Valid(key string) bool {
	if p.MinLength > 0 && len(key) < p.MinLength {
		return false
	}
	if p.MaxLength > 0 && len(key) > p.MaxLength {
		return false
	}
	if p.PrefixPattern != "" {
		if re, err := regexp.Compile(p.PrefixPattern); err == nil && !re.MatchString(key) {
			return false
		}
	}
	return true
}

// APIKeyAuth guards a route group with the system API key. An empty
// configured key disables the check; a nil policyFn skips the shape checks.
func APIKeyAuth(keyFn func() string, policyFn func() KeyPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keyFn()
		if configured == "" {
			c.Next()
			return
		}

		provided := ExtractAPIKey(c)
		if policyFn != nil && !policyFn().Valid(provided) {
			WriteAPIError(c, apierrors.New(http.StatusUnauthorized,
				"invalid_api_key", "authentication_error", "Invalid API key"))
			c.Abort()
			return
		}
		if provided == "" || !keyMatches(configured, provided) {
			WriteAPIError(c, apierrors.New(http.StatusUnauthorized,
				"invalid_api_key", "authentication_error", "Invalid API key"))
			c.Abort()
			return
		}
		c.Set("api_key", provided)
		c.Next()
	}
}
