package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/llm/llmtest"
	"chat-gateway-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	ch chan tasks.ExchangeRecord
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{ch: make(chan tasks.ExchangeRecord, 16)}
}

func (r *captureRecorder) Record(rec tasks.ExchangeRecord) { r.ch <- rec }

func testOptions() ChatOptions {
	return ChatOptions{
		Chat: config.ChatConfig{
			IgnoredUserMessages:   config.DefaultIgnoredUserMessages,
			ThinkingPrefix:        "Thinking...",
			MergeSeparator:        DefaultMergeSeparator,
			StopWaitSeconds:       2,
			PersistTimeoutSeconds: 2,
		},
		DefaultModel: "default-model",
	}
}

func newConversation(t *testing.T, repo repository.ConversationRepository, systemPrompt string) string {
	t.Helper()
	in := CreateConversationInput{}
	if systemPrompt != "" {
		in.SystemPrompt = &systemPrompt
	}
	id, err := NewConversationService(repo, repository.StaticProjectRepository{}).Create(context.Background(), in)
	require.NoError(t, err)
	return id
}

func TestSendMessage_PersistsBothSides(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryConversationRepository()
	client := llmtest.NewScriptedClient("Hi", " there")
	rec := newCaptureRecorder()
	svc := NewChatService(repo, client, stream.NewRegistry(), rec, testOptions())
	convID := newConversation(t, repo, "be brief")

	res, err := svc.SendMessage(ctx, convID, MessageInput{Role: "user", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Reply)
	require.NotNil(t, res.UserMessageID)

	msgs, err := svc.GetMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, *res.UserMessageID, msgs[1].ID)
	assert.Equal(t, "hello", msgs[1].Content)
	assert.Equal(t, res.AssistantMessageID, msgs[2].ID)
	assert.Equal(t, "Hi there", msgs[2].Content)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "default-model", calls[0].Model)
	assert.Equal(t, []llm.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}}, calls[0].Messages)

	select {
	case r := <-rec.ch:
		assert.Equal(t, convID, r.ConversationID)
		assert.Equal(t, "Hi there", r.Response)
		assert.False(t, r.Stream)
	case <-time.After(time.Second):
		t.Fatal("exchange was not recorded")
	}
}

func TestSendMessage_IgnoredMessageNotStored(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryConversationRepository()
	client := llmtest.NewScriptedClient("more")
	svc := NewChatService(repo, client, stream.NewRegistry(), nil, testOptions())
	convID := newConversation(t, repo, "")

	_, err := repo.AppendMessage(ctx, convID, "user", "tell a story", time.Now())
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, convID, "assistant", "once", time.Now())
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, convID, "assistant", "upon", time.Now())
	require.NoError(t, err)

	res, err := svc.SendMessage(ctx, convID, MessageInput{Role: "user", Content: "continue", Model: "m"})
	require.NoError(t, err)
	assert.Nil(t, res.UserMessageID)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []llm.Message{
		{Role: "user", Content: "tell a story"},
		{Role: "assistant", Content: "once\n---\nupon"},
		{Role: "user", Content: "continue"},
	}, calls[0].Messages)

	msgs, err := repo.GetMessages(ctx, convID)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "continue", m.Content)
	}
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	repo := repository.NewMemoryConversationRepository()
	svc := NewChatService(repo, llmtest.NewScriptedClient("x"), stream.NewRegistry(), nil, testOptions())

	_, err := svc.SendMessage(context.Background(), "missing", MessageInput{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)
	_, err = svc.StartStream(context.Background(), "missing", MessageInput{Role: "user", Content: "hi"})
	assert.ErrorIs(t, err, repository.ErrConversationNotFound)
}

func TestSendMessage_ProviderFailure(t *testing.T) {
	repo := repository.NewMemoryConversationRepository()
	client := llmtest.NewScriptedClient()
	client.Err = errors.New("upstream down")
	svc := NewChatService(repo, client, stream.NewRegistry(), nil, testOptions())
	convID := newConversation(t, repo, "")

	_, err := svc.SendMessage(context.Background(), convID, MessageInput{Role: "user", Content: "hi"})
	assert.ErrorContains(t, err, "upstream down")
}

func TestStartStream_PersistsIntoPlaceholder(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryConversationRepository()
	registry := stream.NewRegistry()
	client := llmtest.NewScriptedClient("Thinking... hmm", "A", "B")
	svc := NewChatService(repo, client, registry, nil, testOptions())
	convID := newConversation(t, repo, "")

	st, err := svc.StartStream(ctx, convID, MessageInput{Role: "user", Content: "go"})
	require.NoError(t, err)
	require.NotNil(t, st.UserMessageID)
	assert.True(t, strings.HasPrefix(st.Session.ID(), fmt.Sprintf("%s-%d-", convID, st.AssistantMessageID)))

	_, ok := registry.Get(st.Session.ID())
	assert.True(t, ok)

	select {
	case <-st.Session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}
	msg, err := repo.GetMessage(ctx, st.AssistantMessageID)
	require.NoError(t, err)
	assert.Equal(t, "AB", msg.Content)
	assert.Equal(t, []string{"A", "B"}, st.Session.Chunks(0))
}

func TestStopStream_PersistsAppendedPrefix(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryConversationRepository()
	registry := stream.NewRegistry()
	client := llmtest.NewScriptedClient("one ", "two ", "three ", "four")
	client.Gate = make(chan struct{})
	svc := NewChatService(repo, client, registry, nil, testOptions())
	convID := newConversation(t, repo, "")

	st, err := svc.StartStream(ctx, convID, MessageInput{Role: "user", Content: "count"})
	require.NoError(t, err)

	client.Gate <- struct{}{}
	client.Gate <- struct{}{}
	require.Eventually(t, func() bool { return len(st.Session.Chunks(0)) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.StopStream(ctx, st.Session.ID()))
	assert.True(t, st.Session.IsCompleted())
	assert.Equal(t, 0, registry.Len())

	msg, err := repo.GetMessage(ctx, st.AssistantMessageID)
	require.NoError(t, err)
	assert.Equal(t, "one two ", msg.Content)
	assert.NoError(t, st.Session.Err())
}

func TestStopStream_UnknownSession(t *testing.T) {
	svc := NewChatService(repository.NewMemoryConversationRepository(), llmtest.NewScriptedClient(), stream.NewRegistry(), nil, testOptions())
	err := svc.StopStream(context.Background(), "nope")
	assert.ErrorIs(t, err, stream.ErrSessionNotFound)
}

func TestDeleteMessages(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryConversationRepository()
	svc := NewChatService(repo, llmtest.NewScriptedClient("r"), stream.NewRegistry(), nil, testOptions())
	convID := newConversation(t, repo, "")

	res, err := svc.SendMessage(ctx, convID, MessageInput{Role: "user", Content: "q"})
	require.NoError(t, err)

	n, err := svc.DeleteMessages(ctx, []uint64{*res.UserMessageID, res.AssistantMessageID, 9999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := svc.GetMessages(ctx, convID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestToLLMMessages(t *testing.T) {
	got := toLLMMessages([]model.ChatMessage{{Role: "user", Content: "a"}})
	assert.Equal(t, []llm.Message{{Role: "user", Content: "a"}}, got)
}
