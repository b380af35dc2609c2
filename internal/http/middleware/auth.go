// README: Firebase ID token authentication and caller identity helpers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rideline/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"

	RoleDriver = "driver"
	RoleRider  = "rider"
)

// Auth verifies the bearer token and stores the caller's uid and role. The
// role custom claim is the only source of the caller's role; anything other
// than "driver" is a rider. Websocket upgrade requests, whose clients cannot
// always set headers, may pass the token as the access_token query parameter;
// other requests must use the Authorization header.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthenticated"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthenticated"})
			return
		}
		role := RoleRider
		if r, _ := token.Claims["role"].(string); r == RoleDriver {
			role = RoleDriver
		}
		c.Set(ctxCallerUID, token.UID)
		c.Set(ctxCallerRole, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if h := c.GetHeader("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		raw = strings.TrimSpace(raw)
		return raw, ok && raw != ""
	}
	if !websocket.IsWebSocketUpgrade(c.Request) {
		return "", false
	}
	if q := c.Query("access_token"); q != "" {
		return q, true
	}
	return "", false
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}
