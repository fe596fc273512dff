// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Log           LogConfig           `mapstructure:"log"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Chat          ChatConfig          `mapstructure:"chat"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port             string   `mapstructure:"port"`
	Mode             string   `mapstructure:"mode"`
	CORSAllowOrigins []string `mapstructure:"cors_allow_origins"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。DSN 为空时使用进程内存储。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。Addr 为空时不启用缓存与限流。
type RedisConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	HistoryTTLMinutes int    `mapstructure:"history_ttl_minutes"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// AuthConfig 存储 API Key 校验规则和内置登录用户。
type AuthConfig struct {
	APIKeyPrefixes []string     `mapstructure:"api_key_prefixes"`
	Users          []UserConfig `mapstructure:"users"`
}

// UserConfig 是一个内置用户，密码以 bcrypt 哈希保存。
type UserConfig struct {
	UserName     string `mapstructure:"user_name"`
	Name         string `mapstructure:"name"`
	PasswordHash string `mapstructure:"password_hash"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig 存储上游大模型相关的配置。
type LLMConfig struct {
	// Backend 取值 openai 或 poe，未知取值回退到 poe。
	Backend string `mapstructure:"backend"`
	// StrictErrors 为 true 时上游错误以 error 返回，而不是作为文本分片输出。
	StrictErrors bool           `mapstructure:"strict_errors"`
	DefaultModel string         `mapstructure:"default_model"`
	OpenAI       ProviderConfig `mapstructure:"openai"`
	Poe          ProviderConfig `mapstructure:"poe"`
	Models       []ModelInfo    `mapstructure:"models"`
}

// ProviderConfig 是单个上游的连接信息。
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ModelInfo 描述 /v1/models 中列出的模型。
type ModelInfo struct {
	ID          string `mapstructure:"id"`
	OwnedBy     string `mapstructure:"owned_by"`
	Created     int64  `mapstructure:"created"`
	Description string `mapstructure:"description"`
}

// ChatConfig 存储流式会话相关的配置。
type ChatConfig struct {
	IgnoredUserMessages   []string `mapstructure:"ignored_user_messages"`
	ThinkingPrefix        string   `mapstructure:"thinking_prefix"`
	MergeSeparator        string   `mapstructure:"merge_separator"`
	PollIntervalMs        int      `mapstructure:"poll_interval_ms"`
	StopWaitSeconds       int      `mapstructure:"stop_wait_seconds"`
	SessionMaxAgeMinutes  int      `mapstructure:"session_max_age_minutes"`
	PersistTimeoutSeconds int      `mapstructure:"persist_timeout_seconds"`
}

// PollInterval 返回 SSE 轮询间隔。
func (c ChatConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// StopWait 返回停止接口等待会话完成的最长时间。
func (c ChatConfig) StopWait() time.Duration {
	return time.Duration(c.StopWaitSeconds) * time.Second
}

// SessionMaxAge 返回会话回收阈值，0 表示不回收。
func (c ChatConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeMinutes) * time.Minute
}

// PersistTimeout 返回最终落库的超时时间。
func (c ChatConfig) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutSeconds) * time.Second
}

// RateLimitConfig 存储基于 Redis 的令牌桶限流配置，QPS 为 0 时关闭。
type RateLimitConfig struct {
	QPS int `mapstructure:"qps"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不记录请求日志。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// DefaultIgnoredUserMessages 是不落库的“继续”类用户消息。
var DefaultIgnoredUserMessages = []string{
	"continue, and mark [to be continue] at the last line of your replay if your output is NOT over and wait user's command to be continued",
	"continue",
	"继续",
	"go on",
}

// setDefaults 注册所有配置项的默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_allow_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.redis.history_ttl_minutes", 30)

	v.SetDefault("jwt.secret", "change-me")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)

	v.SetDefault("auth.api_key_prefixes", []string{"sk-test", "poe-sk"})

	v.SetDefault("llm.backend", "openai")
	v.SetDefault("llm.default_model", "ChatGPT-4o-Latest")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.poe.base_url", "https://api.poe.com")

	v.SetDefault("chat.ignored_user_messages", DefaultIgnoredUserMessages)
	v.SetDefault("chat.thinking_prefix", "Thinking...")
	v.SetDefault("chat.merge_separator", "\n---\n")
	v.SetDefault("chat.poll_interval_ms", 50)
	v.SetDefault("chat.stop_wait_seconds", 3)
	v.SetDefault("chat.session_max_age_minutes", 0)
	v.SetDefault("chat.persist_timeout_seconds", 10)

	v.SetDefault("kafka.topic", "chat-exchanges")
	v.SetDefault("kafka.group_id", "chat-gateway-archiver")
	v.SetDefault("minio.bucket_name", "chat-exchanges")
	v.SetDefault("elasticsearch.index_name", "chat_exchanges")
}

// Load 从指定路径读取 YAML 配置，叠加默认值和 GATEWAY_ 前缀的环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
