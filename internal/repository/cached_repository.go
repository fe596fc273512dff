package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-gateway-go/internal/model"
	"chat-gateway-go/pkg/log"

	"github.com/go-redis/redis/v8"
)

var errCacheMiss = errors.New("cache miss")

// DefaultHistoryTTL 是消息历史缓存的默认过期时间。
const DefaultHistoryTTL = 30 * time.Minute

// generationTTL 是对话版本号的过期时间，需远大于一次读库的耗时。
const generationTTL = 24 * time.Hour

// setIfGenerationScript 仅当版本号与读库前一致时才写回缓存。
// KEYS[1] 版本号键，KEYS[2] 历史键；ARGV: 读库前的版本号、数据、过期毫秒数。
var setIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[1])
if gen == false then
    gen = '0'
end
if gen ~= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// cachedConversationRepository 在 Redis 中缓存每个对话的消息列表。
// 所有写操作都会先落库，再递增对话版本号并删除缓存键；
// 读路径只在版本号未变化时写回，避免旧快照覆盖新内容。
type cachedConversationRepository struct {
	ConversationRepository
	redisClient *redis.Client
	ttl         time.Duration
}

// NewCachedConversationRepository 用 Redis 消息历史缓存包装一个 ConversationRepository。
func NewCachedConversationRepository(inner ConversationRepository, redisClient *redis.Client, ttl time.Duration) ConversationRepository {
	if ttl <= 0 {
		ttl = DefaultHistoryTTL
	}
	return &cachedConversationRepository{
		ConversationRepository: inner,
		redisClient:            redisClient,
		ttl:                    ttl,
	}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

func generationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:generation", conversationID)
}

func (r *cachedConversationRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs, err := r.getCached(ctx, conversationID)
	if err == nil {
		return msgs, nil
	}
	if !errors.Is(err, errCacheMiss) {
		log.Warnf("读取消息缓存失败, conversation=%s: %v", conversationID, err)
	}

	gen, genErr := r.generation(ctx, conversationID)
	msgs, err = r.ConversationRepository.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		log.Warnf("读取消息缓存版本失败, conversation=%s: %v", conversationID, genErr)
		return msgs, nil
	}
	r.setCached(ctx, conversationID, gen, msgs)
	return msgs, nil
}

func (r *cachedConversationRepository) AppendMessage(ctx context.Context, conversationID, role, content string, createdAt time.Time) (uint64, error) {
	id, err := r.ConversationRepository.AppendMessage(ctx, conversationID, role, content, createdAt)
	if err != nil {
		return 0, err
	}
	r.invalidate(ctx, conversationID)
	return id, nil
}

func (r *cachedConversationRepository) InsertAssistantPlaceholder(ctx context.Context, conversationID string, createdAt time.Time) (uint64, error) {
	id, err := r.ConversationRepository.InsertAssistantPlaceholder(ctx, conversationID, createdAt)
	if err != nil {
		return 0, err
	}
	r.invalidate(ctx, conversationID)
	return id, nil
}

func (r *cachedConversationRepository) UpdateMessageContent(ctx context.Context, id uint64, content string, createdAt time.Time) (bool, error) {
	ok, err := r.ConversationRepository.UpdateMessageContent(ctx, id, content, createdAt)
	if err != nil || !ok {
		return ok, err
	}
	if msg, getErr := r.ConversationRepository.GetMessage(ctx, id); getErr == nil {
		r.invalidate(ctx, msg.ConversationID)
	}
	return true, nil
}

func (r *cachedConversationRepository) DeleteMessages(ctx context.Context, ids []uint64) (int64, error) {
	convIDs := make(map[string]struct{})
	for _, id := range ids {
		if msg, err := r.ConversationRepository.GetMessage(ctx, id); err == nil {
			convIDs[msg.ConversationID] = struct{}{}
		}
	}
	n, err := r.ConversationRepository.DeleteMessages(ctx, ids)
	if err != nil {
		return 0, err
	}
	for convID := range convIDs {
		r.invalidate(ctx, convID)
	}
	return n, nil
}

func (r *cachedConversationRepository) DeleteConversation(ctx context.Context, id string) (bool, error) {
	ok, err := r.ConversationRepository.DeleteConversation(ctx, id)
	if err != nil {
		return false, err
	}
	r.invalidate(ctx, id)
	return ok, nil
}

func (r *cachedConversationRepository) getCached(ctx context.Context, conversationID string) ([]model.Message, error) {
	data, err := r.redisClient.Get(ctx, historyKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get message history from cache: %w", err)
	}
	var cached []cachedMessage
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		return nil, fmt.Errorf("unmarshal message history: %w", err)
	}
	msgs := make([]model.Message, len(cached))
	for i, c := range cached {
		msgs[i] = c.toModel(conversationID)
	}
	return msgs, nil
}

func (r *cachedConversationRepository) generation(ctx context.Context, conversationID string) (string, error) {
	gen, err := r.redisClient.Get(ctx, generationKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (r *cachedConversationRepository) setCached(ctx context.Context, conversationID, gen string, msgs []model.Message) {
	cached := make([]cachedMessage, len(msgs))
	for i, m := range msgs {
		cached[i] = fromModel(m)
	}
	data, err := json.Marshal(cached)
	if err != nil {
		log.Warnf("序列化消息缓存失败: %v", err)
		return
	}
	keys := []string{generationKey(conversationID), historyKey(conversationID)}
	if err := setIfGenerationScript.Run(ctx, r.redisClient, keys, gen, data, r.ttl.Milliseconds()).Err(); err != nil {
		log.Warnf("写入消息缓存失败, conversation=%s: %v", conversationID, err)
	}
}

func (r *cachedConversationRepository) invalidate(ctx context.Context, conversationID string) {
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(conversationID))
		pipe.Expire(ctx, generationKey(conversationID), generationTTL)
		pipe.Del(ctx, historyKey(conversationID))
		return nil
	})
	if err != nil {
		log.Warnf("删除消息缓存失败, conversation=%s: %v", conversationID, err)
	}
}

// cachedMessage 是缓存中的消息，model.Message 的 ConversationID 不参与 JSON 序列化。
type cachedMessage struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func fromModel(m model.Message) cachedMessage {
	return cachedMessage{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt}
}

func (c cachedMessage) toModel(conversationID string) model.Message {
	return model.Message{
		ID:             c.ID,
		ConversationID: conversationID,
		Role:           c.Role,
		Content:        c.Content,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}
