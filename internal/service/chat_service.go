// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/observability"
	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/tasks"
)

const endpointConversationMessages = "/v1/chat/conversations/:id/messages"

// ChatOptions 是 ChatService 与 CompletionService 共用的可调参数。
type ChatOptions struct {
	Chat         config.ChatConfig
	DefaultModel string
}

// MessageInput 是向对话追加的一条消息。
type MessageInput struct {
	Role    string
	Content string
	Model   string
}

// SendMessageResult 是非流式发送的结果。UserMessageID 为 nil 表示该消息被忽略未落库。
type SendMessageResult struct {
	ConversationID     string  `json:"conversation_id"`
	Reply              string  `json:"reply"`
	UserMessageID      *uint64 `json:"user_message_id"`
	AssistantMessageID uint64  `json:"assistant_message_id"`
}

// StreamStart 描述一个已启动的流式会话。
type StreamStart struct {
	Session            *stream.Session
	ConversationID     string
	UserMessageID      *uint64
	AssistantMessageID uint64
}

// ChatService 定义了对话内收发消息的接口。
type ChatService interface {
	SendMessage(ctx context.Context, conversationID string, in MessageInput) (*SendMessageResult, error)
	StartStream(ctx context.Context, conversationID string, in MessageInput) (*StreamStart, error)
	// StopStream 请求取消会话并短暂等待其完成，然后从注册表移除。
	StopStream(ctx context.Context, sessionID string) error
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	DeleteMessages(ctx context.Context, ids []uint64) (int64, error)
}

type chatService struct {
	repo      repository.ConversationRepository
	llmClient llm.Client
	registry  *stream.Registry
	recorder  ExchangeRecorder
	opts      ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(repo repository.ConversationRepository, llmClient llm.Client, registry *stream.Registry, recorder ExchangeRecorder, opts ChatOptions) ChatService {
	if recorder == nil {
		recorder = NopExchangeRecorder{}
	}
	return &chatService{
		repo:      repo,
		llmClient: llmClient,
		registry:  registry,
		recorder:  recorder,
		opts:      opts,
	}
}

func (s *chatService) model(m string) string {
	if m == "" {
		return s.opts.DefaultModel
	}
	return m
}

// prepare 落库用户消息（被忽略的除外），并把历史整理成发往上游的消息。
func (s *chatService) prepare(ctx context.Context, conversationID string, in MessageInput, now time.Time) ([]llm.Message, *uint64, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, nil, err
	}

	ignore := IsIgnoredUserMessage(in.Role, in.Content, s.opts.Chat.IgnoredUserMessages)
	var userMessageID *uint64
	if !ignore {
		id, err := s.repo.AppendMessage(ctx, conversationID, in.Role, in.Content, now)
		if err != nil {
			return nil, nil, err
		}
		userMessageID = &id
	}

	history, err := s.repo.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	pending := &model.ChatMessage{Role: in.Role, Content: in.Content}
	normalized := NormalizeHistory(toChatMessages(history), pending, ignore, s.opts.Chat.MergeSeparator)
	return toLLMMessages(normalized), userMessageID, nil
}

func (s *chatService) SendMessage(ctx context.Context, conversationID string, in MessageInput) (*SendMessageResult, error) {
	observability.RequestReceived(endpointConversationMessages, "sync")
	start := time.Now()
	messages, userMessageID, err := s.prepare(ctx, conversationID, in, start)
	if err != nil {
		return nil, err
	}

	modelName := s.model(in.Model)
	reply, err := s.llmClient.Complete(ctx, messages, modelName)
	rec := tasks.ExchangeRecord{
		ID:             fmt.Sprintf("%s-%d", conversationID, start.UnixNano()),
		Endpoint:       endpointConversationMessages,
		Backend:        s.llmClient.Name(),
		Model:          modelName,
		ConversationID: conversationID,
		Messages:       toExchangeMessages(messages),
		Response:       reply,
		Error:          errString(err),
		DurationMs:     time.Since(start).Milliseconds(),
		Timestamp:      start,
	}
	s.recorder.Record(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to get reply: %w", err)
	}

	assistantID, err := s.repo.AppendMessage(ctx, conversationID, model.RoleAssistant, reply, time.Now())
	if err != nil {
		return nil, err
	}
	return &SendMessageResult{
		ConversationID:     conversationID,
		Reply:              reply,
		UserMessageID:      userMessageID,
		AssistantMessageID: assistantID,
	}, nil
}

func (s *chatService) StartStream(ctx context.Context, conversationID string, in MessageInput) (*StreamStart, error) {
	observability.RequestReceived(endpointConversationMessages, "stream")
	now := time.Now()
	messages, userMessageID, err := s.prepare(ctx, conversationID, in, now)
	if err != nil {
		return nil, err
	}

	placeholderID, err := s.repo.InsertAssistantPlaceholder(ctx, conversationID, now)
	if err != nil {
		return nil, err
	}

	sess := stream.New(stream.Options{
		ID:              stream.SessionID(conversationID, placeholderID, now),
		Client:          s.llmClient,
		Messages:        messages,
		Model:           s.model(in.Model),
		TargetMessageID: placeholderID,
		CreatedAt:       now,
		Writer:          s.repo,
		ThinkingPrefix:  s.opts.Chat.ThinkingPrefix,
		PersistTimeout:  s.opts.Chat.PersistTimeout(),
		OnComplete:      sessionFinisher(s.llmClient.Name(), endpointConversationMessages, conversationID, s.recorder),
	})
	if err := startSession(s.registry, sess); err != nil {
		return nil, err
	}

	return &StreamStart{
		Session:            sess,
		ConversationID:     conversationID,
		UserMessageID:      userMessageID,
		AssistantMessageID: placeholderID,
	}, nil
}

func (s *chatService) StopStream(ctx context.Context, sessionID string) error {
	return stopSession(ctx, s.registry, sessionID, s.opts.Chat.StopWait())
}

func (s *chatService) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.repo.GetMessages(ctx, conversationID)
}

func (s *chatService) DeleteMessages(ctx context.Context, ids []uint64) (int64, error) {
	return s.repo.DeleteMessages(ctx, ids)
}

// startSession 注册并启动会话，启动失败时撤销注册。
func startSession(registry *stream.Registry, sess *stream.Session) error {
	registry.Add(sess)
	if err := sess.Start(); err != nil {
		registry.Remove(sess.ID())
		return err
	}
	return nil
}

// stopSession 请求取消并在 wait 内等待会话完成，然后从注册表移除。
func stopSession(ctx context.Context, registry *stream.Registry, sessionID string, wait time.Duration) error {
	sess, ok := registry.Get(sessionID)
	if !ok {
		observability.StopRequested("not_found")
		return stream.ErrSessionNotFound
	}
	sess.Stop()

	result := "ok"
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-sess.Done():
	case <-timer.C:
		result = "timeout"
		log.Warnw("stream session did not finish within stop wait", "session_id", sessionID, "wait", wait.String())
	case <-ctx.Done():
		result = "canceled"
	}
	observability.StopRequested(result)
	registry.Remove(sessionID)
	return nil
}

// sessionFinisher 返回会话完成时的回调：记录指标并发布交换记录。
func sessionFinisher(backend, endpoint, conversationID string, recorder ExchangeRecorder) func(*stream.Session) {
	return func(sess *stream.Session) {
		outcome := observability.OutcomeCompleted
		switch {
		case sess.Err() != nil:
			outcome = observability.OutcomeError
		case sess.StopRequested():
			outcome = observability.OutcomeStopped
		}
		elapsed := time.Since(sess.StartedAt())
		observability.SessionFinished(backend, outcome, len(sess.Chunks(0)), elapsed)
		recorder.Record(tasks.ExchangeRecord{
			ID:             sess.ID(),
			Endpoint:       endpoint,
			Backend:        backend,
			Model:          sess.Model(),
			ConversationID: conversationID,
			SessionID:      sess.ID(),
			Stream:         true,
			Stopped:        sess.StopRequested(),
			Messages:       toExchangeMessages(sess.Messages()),
			Response:       sess.Text(),
			Error:          errString(sess.Err()),
			DurationMs:     elapsed.Milliseconds(),
			Timestamp:      sess.StartedAt(),
		})
	}
}

func toLLMMessages(msgs []model.ChatMessage) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
