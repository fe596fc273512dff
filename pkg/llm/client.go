// Package llm 提供与上游大模型交互的客户端。
package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/log"
)

// Message 表示一条发往上游的角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream 是一次上游调用产生的文本分片序列，读完后 Recv 返回 io.EOF。
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client 定义了上游大模型客户端的接口，OpenAI 与 Poe 两种实现可互换。
type Client interface {
	Name() string
	// Stream 发起一次流式调用。默认模式下上游错误会以 "Error: ..." 文本分片的形式出现在流中。
	Stream(ctx context.Context, messages []Message, model string) (Stream, error)
	// Complete 返回完整回复。
	Complete(ctx context.Context, messages []Message, model string) (string, error)
}

// NewClient 根据配置中的 backend 创建客户端，未知取值回退到 poe。
func NewClient(cfg config.LLMConfig) Client {
	switch strings.ToLower(cfg.Backend) {
	case "openai":
		return NewOpenAIClient(cfg.OpenAI, cfg.StrictErrors)
	case "poe":
		return NewPoeClient(cfg.Poe, cfg.StrictErrors)
	default:
		log.Warnf("未知的 LLM backend %q，回退到 poe", cfg.Backend)
		return NewPoeClient(cfg.Poe, cfg.StrictErrors)
	}
}

// Drain 读完一个 Stream 并拼接所有分片。
func Drain(s Stream) (string, error) {
	defer s.Close()
	var sb strings.Builder
	for {
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}

// errorFragmentStream 只产出一条错误文本分片，然后结束。
type errorFragmentStream struct {
	text string
	sent bool
}

func newErrorFragmentStream(text string) Stream {
	return &errorFragmentStream{text: text}
}

func (s *errorFragmentStream) Recv() (string, error) {
	if s.sent {
		return "", io.EOF
	}
	s.sent = true
	return s.text, nil
}

func (s *errorFragmentStream) Close() error { return nil }
