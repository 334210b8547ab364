package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dealflow/deal"
)

const identityKey = "auth.identity"

// TokenVerifier resolves bearer tokens to identities.
type TokenVerifier interface {
	VerifyToken(token string) (deal.Identity, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's identity on the context.
func RequireAuth(v TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := v.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(c *gin.Context) (deal.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return deal.Identity{}, false
	}
	id, ok := v.(deal.Identity)
	return id, ok
}
