// Package tasks defines the payloads that are sent to Kafka.
package tasks

import "time"

// ExchangeMessage 是请求中的一条消息。
type ExchangeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExchangeRecord 记录一次完整的请求/回复交换，用于离线归档与检索。
type ExchangeRecord struct {
	ID             string            `json:"id"`
	Endpoint       string            `json:"endpoint"`
	Backend        string            `json:"backend"`
	Model          string            `json:"model"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Stream         bool              `json:"stream"`
	Stopped        bool              `json:"stopped"`
	Messages       []ExchangeMessage `json:"messages"`
	Response       string            `json:"response"`
	Error          string            `json:"error,omitempty"`
	DurationMs     int64             `json:"duration_ms"`
	Timestamp      time.Time         `json:"timestamp"`
}
