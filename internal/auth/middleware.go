package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/moldsim/internal/types"
	"github.com/gin-gonic/gin"
)

const permissionsKey = "permissions"

// AuthMiddleware requires a valid bearer token. With authentication disabled
// every request passes with all permissions.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(permissionsKey, []Permission{PermViewer, PermOperator, PermArchiver})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeAuthUnauthorized, "Missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeAuthUnauthorized, "Invalid authorization header format", nil))
			return
		}

		permissions, err := a.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.CodeAuthUnauthorized, "Invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasPermission(c, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.CodeAuthForbidden, "Insufficient permissions", gin.H{"required": required}))
			return
		}
		c.Next()
	}
}

// HasPermission reports whether the authenticated request carries p.
func HasPermission(c *gin.Context, p Permission) bool {
	perms, ok := c.Get(permissionsKey)
	if !ok {
		return false
	}
	for _, granted := range perms.([]Permission) {
		if granted == p {
			return true
		}
	}
	return false
}
