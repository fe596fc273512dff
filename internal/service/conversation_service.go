package service

import (
	"context"
	"fmt"
	"time"

	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/repository"

	"github.com/google/uuid"
)

// DefaultProjectName 用于没有对应项目的对话分组。
const DefaultProjectName = "其它"

// CreateConversationInput 是创建对话的参数。
type CreateConversationInput struct {
	SystemPrompt   *string
	ProjectID      int
	Name           *string
	Model          *string
	AssistanceRole *string
	Status         int
}

// ConversationSummary 是分组列表中的一行。
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	SystemPrompt   *string   `json:"system_prompt"`
	CreatedAt      time.Time `json:"created_at"`
	ProjectID      int       `json:"project_id"`
	Name           *string   `json:"name"`
	Model          *string   `json:"model"`
	AssistanceRole *string   `json:"assistance_role"`
	ProjectName    string    `json:"project_name"`
}

// ConversationService 定义了对话的增删改查。
type ConversationService interface {
	Create(ctx context.Context, in CreateConversationInput) (string, error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	// Update 返回 repository.ErrConversationNotFound 表示对话不存在。
	Update(ctx context.Context, id string, upd model.ConversationUpdate) error
	Delete(ctx context.Context, id string) error
	// ListGrouped 按项目名分组，组内按创建时间倒序。
	ListGrouped(ctx context.Context) (map[string][]ConversationSummary, error)
}

type conversationService struct {
	repo     repository.ConversationRepository
	projects repository.ProjectRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository, projects repository.ProjectRepository) ConversationService {
	return &conversationService{repo: repo, projects: projects}
}

// Create 创建对话；带系统提示词时同时写入一条 system 消息。
func (s *conversationService) Create(ctx context.Context, in CreateConversationInput) (string, error) {
	now := time.Now()
	conv := &model.Conversation{
		ID:             uuid.NewString(),
		SystemPrompt:   in.SystemPrompt,
		Status:         in.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProjectID:      in.ProjectID,
		Name:           in.Name,
		Model:          in.Model,
		AssistanceRole: in.AssistanceRole,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return "", err
	}
	if in.SystemPrompt != nil && *in.SystemPrompt != "" {
		if _, err := s.repo.AppendMessage(ctx, conv.ID, model.RoleSystem, *in.SystemPrompt, now); err != nil {
			return "", fmt.Errorf("failed to store system prompt: %w", err)
		}
	}
	return conv.ID, nil
}

func (s *conversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

func (s *conversationService) Update(ctx context.Context, id string, upd model.ConversationUpdate) error {
	ok, err := s.repo.UpdateConversation(ctx, id, upd)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrConversationNotFound
	}
	return nil
}

func (s *conversationService) Delete(ctx context.Context, id string) error {
	ok, err := s.repo.DeleteConversation(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrConversationNotFound
	}
	return nil
}

func (s *conversationService) ListGrouped(ctx context.Context) (map[string][]ConversationSummary, error) {
	convs, err := s.repo.ListConversations(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	projects, err := s.projects.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}

	grouped := make(map[string][]ConversationSummary)
	for _, c := range convs {
		pname, ok := names[c.ProjectID]
		if !ok {
			pname = DefaultProjectName
		}
		grouped[pname] = append(grouped[pname], ConversationSummary{
			ConversationID: c.ID,
			SystemPrompt:   c.SystemPrompt,
			CreatedAt:      c.CreatedAt,
			ProjectID:      c.ProjectID,
			Name:           c.Name,
			Model:          c.Model,
			AssistanceRole: c.AssistanceRole,
			ProjectName:    pname,
		})
	}
	return grouped, nil
}
