// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/handler"
	"chat-gateway-go/internal/middleware"
	"chat-gateway-go/internal/observability"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/database"
	"chat-gateway-go/pkg/es"
	"chat-gateway-go/pkg/kafka"
	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/storage"
	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// 3. 初始化数据库和 Redis，均为可选
	if cfg.Database.MySQL.DSN != "" {
		database.InitMySQL(cfg.Database.MySQL.DSN)
	} else {
		log.Warnf("未配置 MySQL，对话数据仅保存在进程内存中")
	}
	if cfg.Database.Redis.Addr != "" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	}

	// 4. 初始化 Repository
	var conversationRepo repository.ConversationRepository
	var projectRepo repository.ProjectRepository
	if database.DB != nil {
		conversationRepo = repository.NewConversationRepository(database.DB)
		projectRepo = repository.NewProjectRepository(database.DB)
	} else {
		conversationRepo = repository.NewMemoryConversationRepository()
		projectRepo = repository.StaticProjectRepository{}
	}
	if database.RDB != nil {
		ttl := time.Duration(cfg.Database.Redis.HistoryTTLMinutes) * time.Minute
		conversationRepo = repository.NewCachedConversationRepository(conversationRepo, database.RDB, ttl)
	}

	// 5. 请求日志归档：Kafka -> MinIO / Elasticsearch
	var recorder service.ExchangeRecorder = service.NopExchangeRecorder{}
	if cfg.Kafka.Brokers != "" {
		kafka.InitProducer(cfg.Kafka)
		recorder = service.NewKafkaExchangeRecorder()

		if cfg.MinIO.Endpoint != "" {
			if err := storage.InitMinIO(cfg.MinIO); err != nil {
				log.Errorf("MinIO 初始化失败，归档将跳过对象存储: %v", err)
			}
		}
		if cfg.Elasticsearch.Addresses != "" {
			if err := es.InitES(cfg.Elasticsearch); err != nil {
				log.Errorf("es 初始化失败 %s", err)
			}
		}
		processor := pipeline.NewProcessor(cfg.MinIO, cfg.Elasticsearch)
		go kafka.StartConsumer(bgCtx, cfg.Kafka, processor)
	} else if cfg.Elasticsearch.Addresses != "" {
		// 只读检索已有的归档
		if err := es.InitES(cfg.Elasticsearch); err != nil {
			log.Errorf("es 初始化失败 %s", err)
		}
	}

	// 6. 初始化会话注册表与上游客户端
	registry := stream.NewRegistry()
	registry.StartReaper(bgCtx, 0, cfg.Chat.SessionMaxAge())
	observability.RegisterActiveSessions(registry.Len)
	llmClient := llm.NewClient(cfg.LLM)
	log.Infof("LLM backend: %s", llmClient.Name())

	// 7. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	chatOpts := service.ChatOptions{Chat: cfg.Chat, DefaultModel: cfg.LLM.DefaultModel}
	chatService := service.NewChatService(conversationRepo, llmClient, registry, recorder, chatOpts)
	completionService := service.NewCompletionService(conversationRepo, llmClient, registry, recorder, chatOpts)
	conversationService := service.NewConversationService(conversationRepo, projectRepo)
	userService := service.NewUserService(cfg.Auth.Users, jwtManager, database.RDB)
	searchService := service.NewExchangeSearchService(cfg.Elasticsearch.IndexName)

	var rateLimiter gin.HandlerFunc
	if cfg.RateLimit.QPS > 0 {
		if database.RDB != nil {
			rateLimiter = middleware.RateLimit(database.RDB, cfg.RateLimit.QPS)
		} else {
			log.Warnf("rate_limit.qps=%d 需要 Redis，限流未启用", cfg.RateLimit.QPS)
		}
	}

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		CORSAllowOrigins:    cfg.Server.CORSAllowOrigins,
		APIKeyPrefixes:      cfg.Auth.APIKeyPrefixes,
		JWTManager:          jwtManager,
		RateLimiter:         rateLimiter,
		Registry:            registry,
		PollInterval:        cfg.Chat.PollInterval(),
		Backend:             llmClient.Name(),
		Models:              cfg.LLM.Models,
		ChatService:         chatService,
		CompletionService:   completionService,
		ConversationService: conversationService,
		UserService:         userService,
		SearchService:       searchService,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 先停止所有会话：SSE 连接随之结束，Shutdown 不必等到超时，
	// 会话在退出前把已生成的内容落库
	sessionsStopped := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(sessionsStopped)
		if err := registry.StopAll(ctx); err != nil {
			log.Errorf("等待会话落库超时: %v", err)
		}
	})

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	select {
	case <-sessionsStopped:
	case <-ctx.Done():
	}

	cancelBg()
	if err := kafka.CloseProducer(); err != nil {
		log.Errorf("关闭 Kafka 生产者失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
