package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/repository"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
	"chat-gateway-go/pkg/hash"
	"chat-gateway-go/pkg/llm/llmtest"
	"chat-gateway-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "Bearer sk-test-key"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router   *gin.Engine
	repo     repository.ConversationRepository
	registry *stream.Registry
	client   *llmtest.ScriptedClient
	chat     service.ChatService
}

func newTestEnv(t *testing.T, client *llmtest.ScriptedClient) *testEnv {
	t.Helper()
	repo := repository.NewMemoryConversationRepository()
	registry := stream.NewRegistry()
	opts := service.ChatOptions{
		Chat: config.ChatConfig{
			IgnoredUserMessages:   config.DefaultIgnoredUserMessages,
			ThinkingPrefix:        "Thinking...",
			PollIntervalMs:        5,
			StopWaitSeconds:       2,
			PersistTimeoutSeconds: 2,
		},
		DefaultModel: "ChatGPT-4o-Latest",
	}
	pw, err := hash.HashPassword("pw")
	require.NoError(t, err)
	jwtManager := token.NewJWTManager("secret", 1, 1)
	chat := service.NewChatService(repo, client, registry, nil, opts)

	r := NewRouter(RouterDeps{
		APIKeyPrefixes:      []string{"sk-test", "poe-sk"},
		JWTManager:          jwtManager,
		Registry:            registry,
		PollInterval:        opts.Chat.PollInterval(),
		Backend:             "scripted",
		Models:              []config.ModelInfo{{ID: "GPT-4o", OwnedBy: "openai", Created: 1}},
		ChatService:         chat,
		CompletionService:   service.NewCompletionService(repo, client, registry, nil, opts),
		ConversationService: service.NewConversationService(repo, repository.StaticProjectRepository{{ID: 1, Name: "alpha"}}),
		UserService:         service.NewUserService([]config.UserConfig{{UserName: "alice", Name: "Alice", PasswordHash: pw}}, jwtManager, nil),
		SearchService:       service.NewExchangeSearchService("exchanges"),
	})
	return &testEnv{router: r, repo: repo, registry: registry, client: client, chat: chat}
}

func (e *testEnv) do(method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createConversation(t *testing.T) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/chat/conversations", "", gin.H{"project_id": 1, "name": "demo"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ConversationID)
	return resp.ConversationID
}

// sseFrames 返回所有 data 帧的负载。
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestScenarioA_NonStreamingMessage(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("Hello", " back"))
	convID := env.createConversation(t)

	w := env.do(http.MethodPost, "/v1/chat/conversations/"+convID+"/messages", testAPIKey,
		gin.H{"role": "user", "content": "hello", "model": "GPT-4o"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res struct {
		ConversationID     string  `json:"conversation_id"`
		Reply              string  `json:"reply"`
		UserMessageID      *uint64 `json:"user_message_id"`
		AssistantMessageID uint64  `json:"assistant_message_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, convID, res.ConversationID)
	assert.Equal(t, "Hello back", res.Reply)
	require.NotNil(t, res.UserMessageID)

	w = env.do(http.MethodGet, "/v1/chat/conversations/"+convID+"/messages", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		ConversationID string `json:"conversation_id"`
		Messages       []struct {
			ID      uint64 `json:"id"`
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "user", history.Messages[0].Role)
	assert.Equal(t, *res.UserMessageID, history.Messages[0].ID)
	assert.Equal(t, "Hello back", history.Messages[1].Content)
	assert.Equal(t, res.AssistantMessageID, history.Messages[1].ID)
}

func TestStreamingMessage_FramesAndRegistryCleanup(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("Thinking... planning", "A", "B"))
	convID := env.createConversation(t)

	w := env.do(http.MethodPost, "/v1/chat/conversations/"+convID+"/messages", testAPIKey,
		gin.H{"role": "user", "content": "hi", "stream": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Session-Id"))

	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 5)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &meta))
	assert.Equal(t, convID, meta["conversation_id"])
	assert.Equal(t, w.Header().Get("X-Session-Id"), meta["session_id"])
	assert.NotNil(t, meta["user_message_id"])

	assert.JSONEq(t, `{"content":"A"}`, frames[1])
	assert.JSONEq(t, `{"content":"B"}`, frames[2])
	assert.JSONEq(t, `{"content":"","finish_reason":"stop"}`, frames[3])
	assert.Equal(t, "[DONE]", frames[4])

	assert.Equal(t, 0, env.registry.Len())

	msgs, err := env.repo.GetMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(meta["assistant_message_id"].(float64)), msgs[1].ID)
	assert.Equal(t, "AB", msgs[1].Content)
}

func TestScenarioB_StreamThenStop(t *testing.T) {
	client := llmtest.NewScriptedClient("one ", "two ", "three ", "four")
	client.Gate = make(chan struct{})
	env := newTestEnv(t, client)
	convID := env.createConversation(t)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- env.do(http.MethodPost, "/v1/chat/conversations/"+convID+"/messages", testAPIKey,
			gin.H{"role": "user", "content": "count", "stream": true})
	}()

	client.Gate <- struct{}{}
	client.Gate <- struct{}{}

	var sessionID string
	require.Eventually(t, func() bool {
		ids := env.registry.IDs()
		if len(ids) != 1 {
			return false
		}
		sess, ok := env.registry.Get(ids[0])
		if !ok || len(sess.Chunks(0)) != 2 {
			return false
		}
		sessionID = ids[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	stop := env.do(http.MethodPost, "/v1/chat/stop-stream", testAPIKey, gin.H{"session_id": sessionID})
	require.Equal(t, http.StatusOK, stop.Code)
	assert.JSONEq(t, `{"message":"Stream stopped","session_id":"`+sessionID+`"}`, stop.Body.String())

	var w *httptest.ResponseRecorder
	select {
	case w = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream handler did not return")
	}

	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 5)
	assert.JSONEq(t, `{"content":"one "}`, frames[1])
	assert.JSONEq(t, `{"content":"two "}`, frames[2])
	assert.JSONEq(t, `{"content":"","finish_reason":"stop"}`, frames[3])
	assert.Equal(t, "[DONE]", frames[4])

	var meta struct {
		AssistantMessageID uint64 `json:"assistant_message_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &meta))
	msg, err := env.repo.GetMessage(context.Background(), meta.AssistantMessageID)
	require.NoError(t, err)
	assert.Equal(t, "one two ", msg.Content)
	assert.Equal(t, 0, env.registry.Len())
}

func TestStreamingMessage_ErrorFrame(t *testing.T) {
	client := llmtest.NewScriptedClient("partial")
	client.Err = errors.New("upstream reset")
	env := newTestEnv(t, client)
	convID := env.createConversation(t)

	w := env.do(http.MethodPost, "/v1/chat/conversations/"+convID+"/messages", testAPIKey,
		gin.H{"role": "user", "content": "hi", "stream": true})
	require.Equal(t, http.StatusOK, w.Code)

	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"content":"partial"}`, frames[1])
	assert.JSONEq(t, `{"error":"upstream reset"}`, frames[2])
	assert.Equal(t, 0, env.registry.Len())
}

func TestNotFoundAndValidation(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))

	w := env.do(http.MethodGet, "/v1/chat/conversations/missing/messages", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"detail":"Conversation not found"}`, w.Body.String())

	w = env.do(http.MethodPost, "/v1/chat/conversations/missing/messages", testAPIKey, gin.H{"role": "user", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/v1/chat/stop-stream", testAPIKey, gin.H{"session_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/v1/chat/stop-stream", testAPIKey, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/v1/chat/conversations/missing", "", gin.H{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"detail":"Conversation not found"}`, w.Body.String())

	w = env.do(http.MethodDelete, "/v1/chat/conversations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/v1/chat/sessions/ghost/ws", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))
	body := gin.H{"model": "m", "messages": []gin.H{{"role": "user", "content": "hi"}}}

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodPost, "/v1/chat/completions", "", body).Code)
	w := env.do(http.MethodPost, "/v1/chat/completions", "Bearer bad-key", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"detail":"Invalid API key format"}`, w.Body.String())
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/v1/chat/completions", "Bearer poe-sk-1", body).Code)
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("hello world"))
	w := env.do(http.MethodPost, "/v1/chat/completions", testAPIKey, gin.H{
		"model":    "GPT-4o",
		"messages": []gin.H{{"role": "user", "content": []gin.H{{"type": "text", "text": "hi there"}}}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "GPT-4o", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, 4, resp.Usage.TotalTokens)

	calls := env.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hi there", calls[0].Messages[0].Content)
}

func TestChatCompletions_Streaming(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("Hel", "lo"))
	w := env.do(http.MethodPost, "/v1/chat/completions", testAPIKey, gin.H{
		"model":    "GPT-4o",
		"stream":   true,
		"messages": []gin.H{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	sessionID := w.Header().Get("X-Session-Id")
	assert.True(t, strings.HasPrefix(sessionID, "chatcmpl-"))

	frames := sseFrames(t, w.Body.String())
	require.Len(t, frames, 4)

	type chunk struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Delta        map[string]interface{} `json:"delta"`
			FinishReason *string                `json:"finish_reason"`
		} `json:"choices"`
	}
	var first, last chunk
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &first))
	assert.Equal(t, sessionID, first.ID)
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "Hel", first.Choices[0].Delta["content"])
	assert.Nil(t, first.Choices[0].FinishReason)

	require.NoError(t, json.Unmarshal([]byte(frames[2]), &last))
	assert.Empty(t, last.Choices[0].Delta)
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", frames[3])
	assert.Equal(t, 0, env.registry.Len())
}

func TestChatCompletions_BadRequest(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))
	w := env.do(http.MethodPost, "/v1/chat/completions", testAPIKey, gin.H{"model": "m", "messages": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(http.MethodPost, "/v1/chat/completions", testAPIKey, gin.H{"model": "m", "messages": []gin.H{{"role": "wizard", "content": "x"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))
	convID := env.createConversation(t)

	w := env.do(http.MethodGet, "/v1/chat/conversations/grouped", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var grouped map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grouped))
	require.Len(t, grouped["alpha"], 1)
	assert.Equal(t, convID, grouped["alpha"][0]["conversation_id"])
	assert.Equal(t, "demo", grouped["alpha"][0]["name"])

	w = env.do(http.MethodPut, "/v1/chat/conversations/"+convID, "", gin.H{"project_id": 7})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Conversation updated"}`, w.Body.String())

	w = env.do(http.MethodGet, "/v1/chat/conversations/grouped", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grouped))
	assert.Len(t, grouped[service.DefaultProjectName], 1)

	w = env.do(http.MethodDelete, "/v1/chat/conversations/"+convID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Conversation deleted"}`, w.Body.String())
}

func TestDeleteMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("reply"))
	convID := env.createConversation(t)
	w := env.do(http.MethodPost, "/v1/chat/conversations/"+convID+"/messages", testAPIKey, gin.H{"role": "user", "content": "q"})
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		UserMessageID      uint64 `json:"user_message_id"`
		AssistantMessageID uint64 `json:"assistant_message_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = env.do(http.MethodPost, "/v1/chat/messages/delete", "", gin.H{"message_ids": []uint64{res.UserMessageID, res.AssistantMessageID}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"2 messages deleted"}`, w.Body.String())
}

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))

	w := env.do(http.MethodPost, "/v1/auth/login", "", gin.H{"userName": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Name        string `json:"name"`
		User        string `json:"user"`
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "Alice", res.Name)
	assert.Equal(t, "alice", res.User)

	// 登录得到的 token 也可以调用受保护接口
	body := gin.H{"model": "m", "messages": []gin.H{{"role": "user", "content": "hi"}}}
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/v1/chat/completions", "Bearer "+res.AccessToken, body).Code)

	w = env.do(http.MethodPost, "/v1/auth/login", "", gin.H{"userName": "alice", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"detail":"Invalid username or password"}`, w.Body.String())
}

func TestExchangeSearchWithoutElasticsearch(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))
	w := env.do(http.MethodPost, "/v1/auth/login", "", gin.H{"userName": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/exchanges/search?query=x", testAPIKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/exchanges/search", "Bearer "+res.AccessToken, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/v1/exchanges/search?query=x", "Bearer "+res.AccessToken, nil).Code)
}

func TestMiscEndpoints(t *testing.T) {
	env := newTestEnv(t, llmtest.NewScriptedClient("x"))

	w := env.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var root map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &root))
	assert.Equal(t, "scripted", root["llm_backend"])
	assert.Equal(t, Version, root["version"])

	w = env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = env.do(http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"object":"list","data":[{"id":"GPT-4o","object":"model","created":1,"owned_by":"openai"}]}`, w.Body.String())

	w = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
