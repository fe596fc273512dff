package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责对话内的消息收发、流式输出与停止。
type ChatHandler struct {
	chatService  service.ChatService
	registry     *stream.Registry
	pollInterval time.Duration
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, registry *stream.Registry, pollInterval time.Duration) *ChatHandler {
	return &ChatHandler{
		chatService:  chatService,
		registry:     registry,
		pollInterval: pollInterval,
	}
}

// AddMessageRequest 是向对话追加消息的请求体。
type AddMessageRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
	Model   string `json:"model"`
	Stream  bool   `json:"stream"`
}

// streamMeta 是流式响应的第一帧。
type streamMeta struct {
	UserMessageID      *uint64 `json:"user_message_id"`
	AssistantMessageID uint64  `json:"assistant_message_id"`
	ConversationID     string  `json:"conversation_id"`
	SessionID          string  `json:"session_id"`
}

type contentFrame struct {
	Content string `json:"content"`
}

type finishFrame struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// AddMessage 追加一条消息并获取回复，stream 为 true 时以 SSE 返回。
func (h *ChatHandler) AddMessage(c *gin.Context) {
	conversationID := c.Param("id")
	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("AddMessage: invalid request payload, error: %v", err)
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}
	in := service.MessageInput{Role: req.Role, Content: req.Content, Model: req.Model}

	if !req.Stream {
		res, err := h.chatService.SendMessage(c.Request.Context(), conversationID, in)
		if err != nil {
			log.Errorf("AddMessage: conversation %s failed: %v", conversationID, err)
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	st, err := h.chatService.StartStream(c.Request.Context(), conversationID, in)
	if err != nil {
		log.Errorf("AddMessage: failed to start stream for conversation %s: %v", conversationID, err)
		abortWithError(c, err)
		return
	}
	h.streamSession(c, st)
}

func (h *ChatHandler) streamSession(c *gin.Context, st *service.StreamStart) {
	sess := st.Session
	defer h.registry.Remove(sess.ID())

	writeSSEHeaders(c, sess.ID())
	meta := streamMeta{
		UserMessageID:      st.UserMessageID,
		AssistantMessageID: st.AssistantMessageID,
		ConversationID:     st.ConversationID,
		SessionID:          sess.ID(),
	}
	if err := writeSSEData(c, meta); err != nil {
		return
	}

	finished := drainSession(c, sess, h.pollInterval, func(chunk string) error {
		return writeSSEData(c, contentFrame{Content: chunk})
	})
	if !finished {
		log.Infow("client disconnected from stream", "session_id", sess.ID())
		return
	}

	if err := sess.Err(); err != nil {
		_ = writeSSEData(c, errorFrame{Error: err.Error()})
		return
	}
	if err := writeSSEData(c, finishFrame{Content: "", FinishReason: "stop"}); err != nil {
		return
	}
	_ = writeSSERaw(c, sseDone)
}

// StopStreamRequest 是停止流式输出的请求体。
type StopStreamRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// StopStream 请求停止一个进行中的会话。
func (h *ChatHandler) StopStream(c *gin.Context) {
	var req StopStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.chatService.StopStream(c.Request.Context(), req.SessionID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Stream stopped", "session_id": req.SessionID})
}

// GetMessages 返回对话的全部消息。
func (h *ChatHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("id")
	msgs, err := h.chatService.GetMessages(c.Request.Context(), conversationID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "messages": msgs})
}

// DeleteMessagesRequest 是批量删除消息的请求体。
type DeleteMessagesRequest struct {
	MessageIDs []uint64 `json:"message_ids" binding:"required"`
}

// DeleteMessages 批量删除消息。
func (h *ChatHandler) DeleteMessages(c *gin.Context) {
	var req DeleteMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.chatService.DeleteMessages(c.Request.Context(), req.MessageIDs)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("%d messages deleted", n)})
}

type wsControl struct {
	Type string `json:"type"`
}

// Follow 通过 WebSocket 跟随一个进行中的会话：从头回放分片，
// 并接受 {"type":"stop"} 控制帧。跟随者不负责从注册表移除会话。
func (h *ChatHandler) Follow(c *gin.Context) {
	sessionID := c.Param("session_id")
	sess, ok := h.registry.Get(sessionID)
	if !ok {
		abortWithDetail(c, http.StatusNotFound, "Session not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infow("websocket follower attached", "session_id", sessionID)

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControl
			if json.Unmarshal(message, &ctrl) == nil && ctrl.Type == "stop" {
				sess.Stop()
				_ = writeJSON(gin.H{
					"type":      "stop",
					"message":   "响应已停止",
					"timestamp": time.Now().UnixMilli(),
				})
			}
		}
	}()

	sent := 0
	for {
		completed := sess.IsCompleted()
		chunks, wake := sess.Wait(sent)
		for _, chunk := range chunks {
			if err := writeJSON(contentFrame{Content: chunk}); err != nil {
				return
			}
		}
		sent += len(chunks)
		if completed {
			break
		}
		if len(chunks) > 0 {
			continue
		}
		select {
		case <-wake:
		case <-closed:
			return
		}
	}

	if err := sess.Err(); err != nil {
		_ = writeJSON(errorFrame{Error: err.Error()})
	} else {
		_ = writeJSON(gin.H{
			"type":      "completion",
			"status":    "finished",
			"message":   "响应已完成",
			"timestamp": time.Now().UnixMilli(),
		})
	}
	writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
}
