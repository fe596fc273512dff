package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/hash"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/token"

	"github.com/go-redis/redis/v8"
)

var (
	// ErrInvalidCredentials 表示用户名或密码错误。
	ErrInvalidCredentials = errors.New("Invalid username or password")
	// ErrInvalidRefreshToken 表示 refresh token 无效、过期或已注销。
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

const blacklistKeyPrefix = "blacklist:"

// LoginResult 是登录成功后返回给前端的信息。
type LoginResult struct {
	Name         string `json:"name"`
	User         string `json:"user"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// UserService 接口定义了登录相关的业务操作。用户来自配置文件。
type UserService interface {
	Login(ctx context.Context, username, password string) (*LoginResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error)
	Logout(ctx context.Context, tokenString string) error
	IsBlacklisted(ctx context.Context, tokenString string) bool
}

type userService struct {
	users      []config.UserConfig
	jwtManager *token.JWTManager
	rdb        *redis.Client
}

// NewUserService 创建一个新的 UserService 实例。rdb 为 nil 时登出只是空操作。
func NewUserService(users []config.UserConfig, jwtManager *token.JWTManager, rdb *redis.Client) UserService {
	return &userService{
		users:      users,
		jwtManager: jwtManager,
		rdb:        rdb,
	}
}

func (s *userService) findUser(username string) (config.UserConfig, bool) {
	name := strings.TrimSpace(username)
	for _, u := range s.users {
		if strings.TrimSpace(u.UserName) == name {
			return u, true
		}
	}
	return config.UserConfig{}, false
}

// Login 处理用户登录的业务逻辑。
func (s *userService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	u, ok := s.findUser(username)
	if !ok || !hash.CheckPasswordHash(password, u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return s.issue(u.UserName, u.Name)
}

// RefreshToken 验证 refresh token 并签发新的一对 token。
func (s *userService) RefreshToken(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.jwtManager.VerifyToken(refreshToken)
	if err != nil || claims.TokenType != token.TypeRefresh || s.IsBlacklisted(ctx, refreshToken) {
		return nil, ErrInvalidRefreshToken
	}
	if _, ok := s.findUser(claims.Username); !ok {
		return nil, ErrInvalidRefreshToken
	}
	return s.issue(claims.Username, claims.Name)
}

// Logout 将 token 加入 Redis 黑名单，过期时间为 token 的剩余有效期。
func (s *userService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	if s.rdb == nil {
		return nil
	}
	expiration := time.Until(claims.ExpiresAt.Time)
	return s.rdb.Set(ctx, blacklistKeyPrefix+tokenString, "true", expiration).Err()
}

func (s *userService) IsBlacklisted(ctx context.Context, tokenString string) bool {
	if s.rdb == nil {
		return false
	}
	n, err := s.rdb.Exists(ctx, blacklistKeyPrefix+tokenString).Result()
	if err != nil {
		log.Warnf("查询 token 黑名单失败: %v", err)
		return false
	}
	return n > 0
}

func (s *userService) issue(username, name string) (*LoginResult, error) {
	access, err := s.jwtManager.GenerateToken(username, name)
	if err != nil {
		return nil, err
	}
	refresh, err := s.jwtManager.GenerateRefreshToken(username, name)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Name: name, User: username, AccessToken: access, RefreshToken: refresh}, nil
}
