// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"

	"github.com/gin-gonic/gin"
)

// abortWithDetail 以 {"detail": msg} 结束请求。
func abortWithDetail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"detail": msg})
}

// abortWithError 把业务错误映射成状态码。
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrConversationNotFound):
		abortWithDetail(c, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, stream.ErrSessionNotFound):
		abortWithDetail(c, http.StatusNotFound, "Session not found")
	case errors.Is(err, service.ErrInvalidCredentials):
		abortWithDetail(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrSearchUnavailable):
		abortWithDetail(c, http.StatusServiceUnavailable, err.Error())
	default:
		abortWithDetail(c, http.StatusInternalServerError, err.Error())
	}
}
