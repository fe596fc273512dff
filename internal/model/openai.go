package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatCompletionRequest 是 OpenAI 兼容的 /v1/chat/completions 请求体。
// 未列出的字段（tools、response_format 等）会被接受并忽略。
type ChatCompletionRequest struct {
	Model       string              `json:"model" binding:"required"`
	Messages    []CompletionMessage `json:"messages" binding:"required,min=1,dive"`
	Stream      bool                `json:"stream"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	User        string              `json:"user,omitempty"`
}

// CompletionMessage 是请求中的单条消息。
type CompletionMessage struct {
	Role         string          `json:"role" binding:"required,oneof=system user assistant tool function"`
	Content      MessageContent  `json:"content"`
	Name         string          `json:"name,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	FunctionCall json.RawMessage `json:"function_call,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
}

// MessageContent 接受字符串、内容分片数组或任意 JSON，统一展平为文本。
type MessageContent string

// UnmarshalJSON 实现 json.Unmarshaler。
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid message content: %w", err)
	}
	*c = MessageContent(FlattenContent(raw))
	return nil
}

// FlattenContent 把多模态内容展平成纯文本：text 分片取文本，
// image_url 记为 "[IMAGE_URL] <url>"，其余分片保留为 JSON。
func FlattenContent(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]interface{}:
				parts = append(parts, flattenPart(it))
			default:
				parts = append(parts, fmt.Sprint(it))
			}
		}
		return strings.Join(parts, "\n")
	case map[string]interface{}:
		return marshalCompact(t)
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return marshalCompact(t)
	}
}

func flattenPart(part map[string]interface{}) string {
	if text, ok := part["text"].(string); ok {
		if _, typed := part["type"]; typed {
			return text
		}
	}
	if img, ok := part["image_url"].(map[string]interface{}); ok {
		url, _ := img["url"].(string)
		return "[IMAGE_URL] " + url
	}
	if _, ok := part["tool"]; ok {
		return "[TOOL_CALL]" + marshalCompact(part) + "[/TOOL_CALL]"
	}
	return "[CONTENT_ITEM]" + marshalCompact(part) + "[/CONTENT_ITEM]"
}

func marshalCompact(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Usage 是响应中的 token 统计（按空白分词近似）。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChoice 是非流式响应中的一个候选。
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse 是非流式响应体。
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// ChunkDelta 是流式分块中的增量内容，结束块为空对象。
type ChunkDelta struct {
	Content string `json:"content,omitempty"`
}

// ChatCompletionChunkChoice 是流式分块中的一个候选。
type ChatCompletionChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk 是 SSE 中每个 data 帧的 JSON。
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
}

// ModelCard 是 /v1/models 中的单个模型。
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList 是 /v1/models 的响应体。
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}
