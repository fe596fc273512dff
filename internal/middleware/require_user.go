package middleware

import (
	"net/http"

	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// RequireUserMiddleware 只放行通过 JWT 登录的用户，API Key 调用方会被拒绝。
// 此中间件必须在 AuthMiddleware 之后使用。
func RequireUserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentClaims(c); !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Login required"})
			return
		}
		c.Next()
	}
}

// CurrentClaims 返回 AuthMiddleware 存入上下文的 JWT claims。
func CurrentClaims(c *gin.Context) (*token.CustomClaims, bool) {
	v, exists := c.Get(ContextClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*token.CustomClaims)
	return claims, ok
}
