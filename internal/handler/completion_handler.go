package handler

import (
	"net/http"
	"time"

	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
)

const chunkObject = "chat.completion.chunk"

// CompletionHandler 实现 OpenAI 兼容的 /v1/chat/completions。
type CompletionHandler struct {
	completionService service.CompletionService
	registry          *stream.Registry
	pollInterval      time.Duration
}

// NewCompletionHandler 创建一个新的 CompletionHandler。
func NewCompletionHandler(completionService service.CompletionService, registry *stream.Registry, pollInterval time.Duration) *CompletionHandler {
	return &CompletionHandler{
		completionService: completionService,
		registry:          registry,
		pollInterval:      pollInterval,
	}
}

// ChatCompletions 处理补全请求。
func (h *CompletionHandler) ChatCompletions(c *gin.Context) {
	var req model.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("ChatCompletions: invalid request payload, error: %v", err)
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}

	if !req.Stream {
		resp, err := h.completionService.Complete(c.Request.Context(), &req)
		if err != nil {
			log.Errorf("ChatCompletions: %v", err)
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	cs, err := h.completionService.StartStream(c.Request.Context(), &req)
	if err != nil {
		log.Errorf("ChatCompletions: failed to start stream: %v", err)
		abortWithError(c, err)
		return
	}
	h.streamCompletion(c, cs)
}

func (h *CompletionHandler) chunk(cs *service.CompletionStream, delta model.ChunkDelta, finishReason *string) model.ChatCompletionChunk {
	return model.ChatCompletionChunk{
		ID:      cs.ID,
		Object:  chunkObject,
		Created: cs.Created,
		Model:   cs.Model,
		Choices: []model.ChatCompletionChunkChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

func (h *CompletionHandler) streamCompletion(c *gin.Context, cs *service.CompletionStream) {
	sess := cs.Session
	defer h.registry.Remove(sess.ID())

	writeSSEHeaders(c, sess.ID())
	finished := drainSession(c, sess, h.pollInterval, func(fragment string) error {
		return writeSSEData(c, h.chunk(cs, model.ChunkDelta{Content: fragment}, nil))
	})
	if !finished {
		log.Infow("client disconnected from completion stream", "session_id", sess.ID())
		return
	}

	if err := sess.Err(); err != nil {
		_ = writeSSEData(c, errorFrame{Error: err.Error()})
		return
	}
	stop := "stop"
	if err := writeSSEData(c, h.chunk(cs, model.ChunkDelta{}, &stop)); err != nil {
		return
	}
	_ = writeSSERaw(c, sseDone)
}
