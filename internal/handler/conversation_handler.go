package handler

import (
	"net/http"

	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// CreateConversationRequest 是创建对话的请求体。
type CreateConversationRequest struct {
	SystemPrompt   *string `json:"system_prompt"`
	ProjectID      int     `json:"project_id"`
	Name           *string `json:"name"`
	Model          *string `json:"model"`
	AssistanceRole *string `json:"assistance_role"`
	Status         int     `json:"status"`
}

// Create 创建一个新对话。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.service.Create(c.Request.Context(), service.CreateConversationInput{
		SystemPrompt:   req.SystemPrompt,
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Model:          req.Model,
		AssistanceRole: req.AssistanceRole,
		Status:         req.Status,
	})
	if err != nil {
		log.Errorf("CreateConversation failed: %v", err)
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

// ListGrouped 返回按项目名分组的全部对话。
func (h *ConversationHandler) ListGrouped(c *gin.Context) {
	grouped, err := h.service.ListGrouped(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, grouped)
}

// UpdateConversationRequest 是部分更新对话的请求体，缺省字段保持不变。
type UpdateConversationRequest struct {
	ProjectID      *int    `json:"project_id"`
	Name           *string `json:"name"`
	Model          *string `json:"model"`
	AssistanceRole *string `json:"assistance_role"`
	Status         *int    `json:"status"`
}

// Update 更新对话属性。
func (h *ConversationHandler) Update(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}
	err := h.service.Update(c.Request.Context(), c.Param("id"), model.ConversationUpdate{
		ProjectID:      req.ProjectID,
		Name:           req.Name,
		Model:          req.Model,
		AssistanceRole: req.AssistanceRole,
		Status:         req.Status,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation updated"})
}

// Delete 删除对话及其全部消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
}
