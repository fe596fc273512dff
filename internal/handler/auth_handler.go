package handler

import (
	"net/http"
	"strings"

	"chat-gateway-go/internal/service"
	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责登录、刷新 token 与登出。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// LoginRequest 定义了用户登录 API 的请求体结构。
type LoginRequest struct {
	UserName string `json:"userName" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: invalid request payload, error: %v", err)
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.userService.Login(c.Request.Context(), req.UserName, req.Password)
	if err != nil {
		log.Warnf("Login: user '%s' failed to log in: %v", req.UserName, err)
		abortWithError(c, err)
		return
	}

	log.Infof("User '%s' logged in", res.User)
	c.JSON(http.StatusOK, res)
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.userService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warnf("RefreshToken: failed to refresh token, error: %v", err)
		abortWithDetail(c, http.StatusUnauthorized, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

// Logout 注销当前请求携带的 token。
func (h *AuthHandler) Logout(c *gin.Context) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if err := h.userService.Logout(c.Request.Context(), tokenString); err != nil {
		log.Errorf("Logout failed: %v", err)
		abortWithDetail(c, http.StatusInternalServerError, "Logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}
