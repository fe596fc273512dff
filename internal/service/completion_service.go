package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/observability"
	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/tasks"

	"github.com/google/uuid"
)

const (
	endpointCompletions = "/v1/chat/completions"
	// conversationNamePrefix 标记一条消息所属的对话，形如 "cid-<对话ID>"。
	conversationNamePrefix = "cid-"
	finishReasonStop       = "stop"
)

// CompletionStream 描述一个已启动的 OpenAI 兼容流式补全。
type CompletionStream struct {
	Session *stream.Session
	ID      string
	Created int64
	Model   string
}

// CompletionService 实现 /v1/chat/completions。
type CompletionService interface {
	Complete(ctx context.Context, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error)
	StartStream(ctx context.Context, req *model.ChatCompletionRequest) (*CompletionStream, error)
}

type completionService struct {
	repo      repository.ConversationRepository
	llmClient llm.Client
	registry  *stream.Registry
	recorder  ExchangeRecorder
	opts      ChatOptions
}

// NewCompletionService 创建一个新的 CompletionService 实例。
func NewCompletionService(repo repository.ConversationRepository, llmClient llm.Client, registry *stream.Registry, recorder ExchangeRecorder, opts ChatOptions) CompletionService {
	if recorder == nil {
		recorder = NopExchangeRecorder{}
	}
	return &completionService{
		repo:      repo,
		llmClient: llmClient,
		registry:  registry,
		recorder:  recorder,
		opts:      opts,
	}
}

func (s *completionService) Complete(ctx context.Context, req *model.ChatCompletionRequest) (*model.ChatCompletionResponse, error) {
	observability.RequestReceived(endpointCompletions, "sync")
	start := time.Now()
	id := NewCompletionID()
	messages := completionMessages(req.Messages)

	reply, err := s.llmClient.Complete(ctx, messages, req.Model)
	s.recorder.Record(tasks.ExchangeRecord{
		ID:         id,
		Endpoint:   endpointCompletions,
		Backend:    s.llmClient.Name(),
		Model:      req.Model,
		Messages:   toExchangeMessages(messages),
		Response:   reply,
		Error:      errString(err),
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  start,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get completion: %w", err)
	}

	promptTokens := 0
	for _, m := range messages {
		promptTokens += CountWords(m.Content)
	}
	completionTokens := CountWords(reply)
	return &model.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   req.Model,
		Choices: []model.ChatCompletionChoice{{
			Index:        0,
			Message:      model.ChatMessage{Role: model.RoleAssistant, Content: reply},
			FinishReason: finishReasonStop,
		}},
		Usage: model.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func (s *completionService) StartStream(ctx context.Context, req *model.ChatCompletionRequest) (*CompletionStream, error) {
	observability.RequestReceived(endpointCompletions, "stream")
	now := time.Now()
	id := NewCompletionID()
	messages := completionMessages(req.Messages)

	opts := stream.Options{
		ID:             id,
		Client:         s.llmClient,
		Messages:       messages,
		Model:          req.Model,
		CreatedAt:      now,
		ThinkingPrefix: s.opts.Chat.ThinkingPrefix,
		PersistTimeout: s.opts.Chat.PersistTimeout(),
	}

	conversationID := ConversationIDFromMessages(req.Messages)
	if conversationID != "" {
		placeholderID, err := s.repo.InsertAssistantPlaceholder(ctx, conversationID, now)
		if err != nil {
			// 对话不存在时仍然正常补全，只是不落库
			log.Warnw("failed to insert placeholder for completion", "conversation_id", conversationID, "error", err)
		} else {
			opts.TargetMessageID = placeholderID
			opts.Writer = s.repo
		}
	}
	opts.OnComplete = sessionFinisher(s.llmClient.Name(), endpointCompletions, conversationID, s.recorder)

	sess := stream.New(opts)
	if err := startSession(s.registry, sess); err != nil {
		return nil, err
	}
	return &CompletionStream{
		Session: sess,
		ID:      id,
		Created: now.Unix(),
		Model:   req.Model,
	}, nil
}

// NewCompletionID 返回 "chatcmpl-" 加 32 位十六进制的补全 ID。
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ConversationIDFromMessages 返回第一条以 "cid-" 命名的消息所指的对话 ID。
func ConversationIDFromMessages(msgs []model.CompletionMessage) string {
	for _, m := range msgs {
		if strings.HasPrefix(m.Name, conversationNamePrefix) {
			return strings.TrimPrefix(m.Name, conversationNamePrefix)
		}
	}
	return ""
}

// CountWords 按空白切分计数，用作近似 token 数。
func CountWords(s string) int {
	return len(strings.Fields(s))
}

func completionMessages(msgs []model.CompletionMessage) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: string(m.Content)}
	}
	return out
}
