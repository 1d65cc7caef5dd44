package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey carries the operator key on mutating routes.
const HeaderAPIKey = "X-API-Key"

// APIKey returns a Gin middleware that compares the X-API-Key header against
// a bcrypt hash. An empty hash disables the check and every request passes.
//
// A missing header is answered with 401, a wrong key with 403.
func APIKey(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	hashed := []byte(hash)

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderAPIKey)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderAPIKey + " header"})
			return
		}
		if err := bcrypt.CompareHashAndPassword(hashed, []byte(key)); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid API key"})
			return
		}
		c.Next()
	}
}
