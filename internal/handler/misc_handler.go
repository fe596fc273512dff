package handler

import (
	"net/http"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/model"

	"github.com/gin-gonic/gin"
)

// Version 是对外报告的服务版本。
const Version = "2.3.0"

// MiscHandler 提供首页、健康检查与模型列表。
type MiscHandler struct {
	backend string
	models  []config.ModelInfo
}

// NewMiscHandler 创建一个新的 MiscHandler。
func NewMiscHandler(backend string, models []config.ModelInfo) *MiscHandler {
	return &MiscHandler{backend: backend, models: models}
}

func (h *MiscHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":     "OpenAI Compatible API Proxy to Poe or OpenAI",
		"version":     Version,
		"llm_backend": h.backend,
		"endpoints": gin.H{
			"chat_completions": "/v1/chat/completions",
			"models":           "/v1/models",
			"health":           "/health",
			"conversations":    "/v1/chat/conversations",
		},
	})
}

func (h *MiscHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"llm_backend": h.backend,
	})
}

// Models 返回配置中的模型列表。
func (h *MiscHandler) Models(c *gin.Context) {
	data := make([]model.ModelCard, 0, len(h.models))
	for _, m := range h.models {
		data = append(data, model.ModelCard{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	c.JSON(http.StatusOK, model.ModelList{Object: "list", Data: data})
}
