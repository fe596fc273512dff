package repository

import (
	"context"
	"fmt"

	"chat-gateway-go/internal/model"

	"gorm.io/gorm"
)

// ProjectRepository 只提供按项目分组展示对话所需的读取操作。
type ProjectRepository interface {
	FindAll(ctx context.Context) ([]model.Project, error)
}

type projectRepository struct {
	db *gorm.DB
}

// NewProjectRepository 创建一个新的 ProjectRepository 实例。
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) FindAll(ctx context.Context) ([]model.Project, error) {
	var projects []model.Project
	if err := r.db.WithContext(ctx).Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// StaticProjectRepository 返回固定的项目列表，未配置 MySQL 时使用。
type StaticProjectRepository []model.Project

func (s StaticProjectRepository) FindAll(context.Context) ([]model.Project, error) {
	return append([]model.Project(nil), s...), nil
}
