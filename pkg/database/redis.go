package database

import (
	"context"

	"chat-gateway-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

// RDB 是全局 Redis 客户端，未配置 Redis 时为 nil。
var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接
func InitRedis(addr, password string, db int) {
	RDB = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	if err := RDB.Ping(context.Background()).Err(); err != nil {
		log.Fatal("failed to connect to redis", err)
	}

	log.Info("Redis client connected successfully")
}
