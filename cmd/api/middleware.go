package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ownerContextKey = "ownerID"

// OwnerMiddleware resolves the calling mailbox owner from the X-Owner-ID
// header. Upstream infrastructure terminates authentication; this service
// only needs the resolved identity to scope accounts and messages.
func OwnerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader("X-Owner-ID")
		if ownerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-Owner-ID header required"})
			c.Abort()
			return
		}

		c.Set(ownerContextKey, ownerID)
		c.Next()
	}
}

func ownerFrom(c *gin.Context) string {
	return c.GetString(ownerContextKey)
}
