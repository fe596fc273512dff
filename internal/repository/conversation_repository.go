// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-gateway-go/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrConversationNotFound 表示对话不存在。
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound 表示消息不存在。
	ErrMessageNotFound = errors.New("message not found")
)

// ConversationRepository 定义了对话与消息的持久化操作。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	// UpdateConversation 只更新非 nil 字段，并总是刷新 updated_at。对话不存在时返回 false。
	UpdateConversation(ctx context.Context, id string, upd model.ConversationUpdate) (bool, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// ListConversations 按 created_at 倒序返回，projectID/status 为 nil 时不过滤。
	ListConversations(ctx context.Context, projectID, status *int) ([]model.Conversation, error)
	// DeleteConversation 级联删除该对话下的所有消息。
	DeleteConversation(ctx context.Context, id string) (bool, error)

	// AppendMessage 追加一条消息并刷新对话的 updated_at，返回新消息 ID。
	AppendMessage(ctx context.Context, conversationID, role, content string, createdAt time.Time) (uint64, error)
	// InsertAssistantPlaceholder 插入一条内容为空的 assistant 消息。
	InsertAssistantPlaceholder(ctx context.Context, conversationID string, createdAt time.Time) (uint64, error)
	GetMessage(ctx context.Context, id uint64) (*model.Message, error)
	// GetMessages 按 ID 升序返回对话中的全部消息。
	GetMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	// UpdateMessageContent 覆盖消息内容与 created_at。消息不存在时返回 false。
	UpdateMessageContent(ctx context.Context, id uint64, content string, createdAt time.Time) (bool, error)
	DeleteMessages(ctx context.Context, ids []uint64) (int64, error)
}

type gormConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个基于 GORM 的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func (r *gormConversationRepository) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *gormConversationRepository) UpdateConversation(ctx context.Context, id string, upd model.ConversationUpdate) (bool, error) {
	updates := map[string]interface{}{"updated_at": time.Now()}
	if upd.ProjectID != nil {
		updates["project_id"] = *upd.ProjectID
	}
	if upd.Name != nil {
		updates["name"] = *upd.Name
	}
	if upd.Model != nil {
		updates["model"] = *upd.Model
	}
	if upd.AssistanceRole != nil {
		updates["assistance_role"] = *upd.AssistanceRole
	}
	if upd.Status != nil {
		updates["status"] = *upd.Status
	}

	found := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Conversation{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		found = true
		return tx.Model(&model.Conversation{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to update conversation: %w", err)
	}
	return found, nil
}

func (r *gormConversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (r *gormConversationRepository) ListConversations(ctx context.Context, projectID, status *int) ([]model.Conversation, error) {
	db := r.db.WithContext(ctx).Model(&model.Conversation{})
	if projectID != nil {
		db = db.Where("project_id = ?", *projectID)
	}
	if status != nil {
		db = db.Where("status = ?", *status)
	}
	var convs []model.Conversation
	if err := db.Order("created_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

func (r *gormConversationRepository) DeleteConversation(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Conversation{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete conversation: %w", err)
	}
	return affected > 0, nil
}

func (r *gormConversationRepository) AppendMessage(ctx context.Context, conversationID, role, content string, createdAt time.Time) (uint64, error) {
	msg := model.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      createdAt,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrConversationNotFound
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).Where("id = ?", conversationID).
			Update("updated_at", time.Now()).Error
	})
	if errors.Is(err, ErrConversationNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}
	return msg.ID, nil
}

func (r *gormConversationRepository) InsertAssistantPlaceholder(ctx context.Context, conversationID string, createdAt time.Time) (uint64, error) {
	return r.AppendMessage(ctx, conversationID, model.RoleAssistant, "", createdAt)
}

func (r *gormConversationRepository) GetMessage(ctx context.Context, id uint64) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (r *gormConversationRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id ASC").Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

func (r *gormConversationRepository) UpdateMessageContent(ctx context.Context, id uint64, content string, createdAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"content":    content,
		"created_at": createdAt,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update message content: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *gormConversationRepository) DeleteMessages(ctx context.Context, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}
