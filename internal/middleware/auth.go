// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"context"
	"net/http"
	"strings"

	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// 上下文中的键。
const (
	ContextAuthType = "auth_type"
	ContextAPIKey   = "api_key"
	ContextClaims   = "claims"
)

// 认证方式。
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeJWT    = "jwt"
)

// TokenBlacklist 报告一个 JWT 是否已被注销。
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, tokenString string) bool
}

// AuthMiddleware 校验 "Authorization: Bearer <凭证>"。
// 凭证以任一 apiKeyPrefixes 开头即视为 API Key；否则按 access token 校验。
// jwtManager 为 nil 时只接受 API Key。
func AuthMiddleware(apiKeyPrefixes []string, jwtManager *token.JWTManager, blacklist TokenBlacklist) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid authorization header format"})
			return
		}
		credential := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))

		for _, prefix := range apiKeyPrefixes {
			if prefix != "" && strings.HasPrefix(credential, prefix) {
				c.Set(ContextAuthType, AuthTypeAPIKey)
				c.Set(ContextAPIKey, credential)
				c.Next()
				return
			}
		}

		if jwtManager != nil {
			claims, err := jwtManager.VerifyToken(credential)
			if err == nil && claims.TokenType == token.TypeAccess &&
				(blacklist == nil || !blacklist.IsBlacklisted(c.Request.Context(), credential)) {
				c.Set(ContextAuthType, AuthTypeJWT)
				c.Set(ContextClaims, claims)
				c.Next()
				return
			}
			if err != nil {
				log.Debugf("bearer token rejected: %v", err)
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid API key format"})
	}
}
