package handler

import (
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/middleware"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps 汇集注册路由所需的全部依赖。
type RouterDeps struct {
	CORSAllowOrigins []string
	APIKeyPrefixes   []string
	JWTManager       *token.JWTManager
	// RateLimiter 为 nil 时不限流。
	RateLimiter  gin.HandlerFunc
	Registry     *stream.Registry
	PollInterval time.Duration
	Backend      string
	Models       []config.ModelInfo

	ChatService         service.ChatService
	CompletionService   service.CompletionService
	ConversationService service.ConversationService
	UserService         service.UserService
	SearchService       service.ExchangeSearchService
}

// NewRouter 创建 gin 引擎并注册全部路由。
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), middleware.Recovery(), middleware.CORS(d.CORSAllowOrigins))

	misc := NewMiscHandler(d.Backend, d.Models)
	chat := NewChatHandler(d.ChatService, d.Registry, d.PollInterval)
	completion := NewCompletionHandler(d.CompletionService, d.Registry, d.PollInterval)
	conversation := NewConversationHandler(d.ConversationService)
	auth := NewAuthHandler(d.UserService)
	exchanges := NewExchangeHandler(d.SearchService)

	authMiddleware := middleware.AuthMiddleware(d.APIKeyPrefixes, d.JWTManager, d.UserService)
	protected := func(h gin.HandlerFunc) []gin.HandlerFunc {
		chain := []gin.HandlerFunc{authMiddleware}
		if d.RateLimiter != nil {
			chain = append(chain, d.RateLimiter)
		}
		return append(chain, h)
	}

	r.GET("/", misc.Root)
	r.GET("/health", misc.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/models", misc.Models)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", auth.Login)
			authGroup.POST("/refresh", auth.RefreshToken)
			authGroup.POST("/logout", authMiddleware, middleware.RequireUserMiddleware(), auth.Logout)
		}

		chatGroup := v1.Group("/chat")
		{
			chatGroup.POST("/completions", protected(completion.ChatCompletions)...)
			chatGroup.POST("/stop-stream", protected(chat.StopStream)...)

			chatGroup.POST("/conversations", conversation.Create)
			chatGroup.GET("/conversations/grouped", conversation.ListGrouped)
			chatGroup.PUT("/conversations/:id", conversation.Update)
			chatGroup.DELETE("/conversations/:id", conversation.Delete)
			chatGroup.GET("/conversations/:id/messages", chat.GetMessages)
			chatGroup.POST("/conversations/:id/messages", protected(chat.AddMessage)...)
			chatGroup.POST("/messages/delete", chat.DeleteMessages)
			chatGroup.GET("/sessions/:session_id/ws", chat.Follow)
		}

		v1.GET("/exchanges/search", authMiddleware, middleware.RequireUserMiddleware(), exchanges.Search)
	}
	return r
}
