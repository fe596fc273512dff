package handler

import (
	"net/http"
	"strconv"

	"chat-gateway-go/internal/service"
	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ExchangeHandler 检索归档的请求/回复交换记录。
type ExchangeHandler struct {
	searchService service.ExchangeSearchService
}

// NewExchangeHandler 创建一个新的 ExchangeHandler 实例。
func NewExchangeHandler(searchService service.ExchangeSearchService) *ExchangeHandler {
	return &ExchangeHandler{searchService: searchService}
}

// Search 处理 GET /v1/exchanges/search?query=...&model=...&size=...
func (h *ExchangeHandler) Search(c *gin.Context) {
	query := c.Query("query")
	if query == "" {
		abortWithDetail(c, http.StatusBadRequest, "query is required")
		return
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "20"))
	if err != nil {
		size = 0
	}

	records, err := h.searchService.Search(c.Request.Context(), query, c.Query("model"), size)
	if err != nil {
		log.Warnf("[ExchangeHandler] 检索失败, query: %s, error: %v", query, err)
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": records})
}
