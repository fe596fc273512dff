package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/log"

	"github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client *openai.Client
	strict bool
}

// NewOpenAIClient 创建一个 OpenAI 兼容接口的客户端。
func NewOpenAIClient(cfg config.ProviderConfig, strict bool) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		strict: strict,
	}
}

func (c *openAIClient) Name() string { return "openai" }

// toOpenAIRole 把角色映射到 OpenAI 支持的取值，未知角色按 user 处理。
func toOpenAIRole(role string) string {
	switch strings.ToLower(role) {
	case "system":
		return openai.ChatMessageRoleSystem
	case "assistant":
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (c *openAIClient) buildRequest(messages []Message, model string, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: toOpenAIRole(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
}

func (c *openAIClient) Stream(ctx context.Context, messages []Message, model string) (Stream, error) {
	s, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, model, true))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Errorf("OpenAI API error: %v", err)
		if c.strict {
			return nil, fmt.Errorf("openai stream request failed: %w", err)
		}
		return newErrorFragmentStream("Error: " + err.Error()), nil
	}
	return &openAIStream{ctx: ctx, stream: s, strict: c.strict}, nil
}

func (c *openAIClient) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, model, false))
	if err != nil {
		log.Errorf("OpenAI API error: %v", err)
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIStream struct {
	ctx    context.Context
	stream *openai.ChatCompletionStream
	strict bool
	failed bool
}

func (s *openAIStream) Recv() (string, error) {
	if s.failed {
		return "", io.EOF
	}
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return "", s.ctx.Err()
			}
			log.Errorf("Parse stream error: %v", err)
			if s.strict {
				return "", fmt.Errorf("openai stream: %w", err)
			}
			s.failed = true
			return fmt.Sprintf("[Stream Error: %v]", err), nil
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
