package middleware

import (
	"fmt"
	"net/http"

	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// Recovery 捕获处理函数中的 panic，记录日志并返回 500 {"detail": ...}。
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Errorw("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"panic", fmt.Sprint(recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprint(recovered)})
	})
}
