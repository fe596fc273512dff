package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-gateway-go/internal/model"
)

// memoryConversationRepository 是进程内实现，未配置 MySQL 时以及测试中使用。
type memoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]model.Conversation
	messages      map[uint64]model.Message
	nextID        uint64
	now           func() time.Time
}

// NewMemoryConversationRepository 创建一个进程内的 ConversationRepository。
func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[uint64]model.Message),
		now:           time.Now,
	}
}

func (r *memoryConversationRepository) CreateConversation(_ context.Context, conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	r.conversations[conv.ID] = *conv
	return nil
}

func (r *memoryConversationRepository) UpdateConversation(_ context.Context, id string, upd model.ConversationUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return false, nil
	}
	if upd.ProjectID != nil {
		conv.ProjectID = *upd.ProjectID
	}
	if upd.Name != nil {
		conv.Name = upd.Name
	}
	if upd.Model != nil {
		conv.Model = upd.Model
	}
	if upd.AssistanceRole != nil {
		conv.AssistanceRole = upd.AssistanceRole
	}
	if upd.Status != nil {
		conv.Status = *upd.Status
	}
	conv.UpdatedAt = r.now()
	r.conversations[id] = conv
	return true, nil
}

func (r *memoryConversationRepository) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return &conv, nil
}

func (r *memoryConversationRepository) ListConversations(_ context.Context, projectID, status *int) ([]model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convs := make([]model.Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		if projectID != nil && c.ProjectID != *projectID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return convs, nil
}

func (r *memoryConversationRepository) DeleteConversation(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return false, nil
	}
	delete(r.conversations, id)
	for mid, m := range r.messages {
		if m.ConversationID == id {
			delete(r.messages, mid)
		}
	}
	return true, nil
}

func (r *memoryConversationRepository) AppendMessage(_ context.Context, conversationID, role, content string, createdAt time.Time) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	now := r.now()
	r.nextID++
	r.messages[r.nextID] = model.Message{
		ID:             r.nextID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	conv.UpdatedAt = now
	r.conversations[conversationID] = conv
	return r.nextID, nil
}

func (r *memoryConversationRepository) InsertAssistantPlaceholder(ctx context.Context, conversationID string, createdAt time.Time) (uint64, error) {
	return r.AppendMessage(ctx, conversationID, model.RoleAssistant, "", createdAt)
}

func (r *memoryConversationRepository) GetMessage(_ context.Context, id uint64) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &m, nil
}

func (r *memoryConversationRepository) GetMessages(_ context.Context, conversationID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msgs := make([]model.Message, 0)
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (r *memoryConversationRepository) UpdateMessageContent(_ context.Context, id uint64, content string, createdAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return false, nil
	}
	m.Content = content
	m.CreatedAt = createdAt
	m.UpdatedAt = r.now()
	r.messages[id] = m
	return true, nil
}

func (r *memoryConversationRepository) DeleteMessages(_ context.Context, ids []uint64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := r.messages[id]; ok {
			delete(r.messages, id)
			n++
		}
	}
	return n, nil
}
