package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chat-gateway-go/internal/observability"
	"chat-gateway-go/internal/stream"

	"github.com/gin-gonic/gin"
)

const (
	sseDone             = "[DONE]"
	defaultPollInterval = 50 * time.Millisecond
)

// writeSSEHeaders 写出事件流响应头并立即发送，之后只能写 data 帧。
func writeSSEHeaders(c *gin.Context, sessionID string) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if sessionID != "" {
		h.Set("X-Session-Id", sessionID)
	}
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// writeSSEData 写出一帧 "data: <json>\n\n" 并刷新。
func writeSSEData(c *gin.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSERaw(c, string(b))
}

func writeSSERaw(c *gin.Context, payload string) error {
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// drainSession 把会话日志中的分片按顺序交给 emit，直到会话完成。
// 客户端断开或写失败时返回 false；会话继续在后台运行并照常落库。
func drainSession(c *gin.Context, sess *stream.Session, pollInterval time.Duration, emit func(string) error) bool {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	ctx := c.Request.Context()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			observability.ClientDisconnected()
			return false
		default:
		}

		// 先读完成标志再取分片：完成之后日志不再增长
		completed := sess.IsCompleted()
		chunks, wake := sess.Wait(sent)
		for _, chunk := range chunks {
			if err := emit(chunk); err != nil {
				observability.ClientDisconnected()
				return false
			}
		}
		sent += len(chunks)
		if completed {
			return true
		}
		if len(chunks) > 0 {
			continue
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}
