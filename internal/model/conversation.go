// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleFunction  = "function"
)

// Conversation 对应 conversations 表，一次多轮对话。
type Conversation struct {
	ID             string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	SystemPrompt   *string   `gorm:"type:mediumtext" json:"system_prompt"`
	Status         int       `gorm:"type:tinyint;not null;default:0" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `gorm:"index" json:"updated_at"`
	ProjectID      int       `gorm:"not null;default:0;index" json:"project_id"`
	Name           *string   `gorm:"type:varchar(32)" json:"name"`
	Model          *string   `gorm:"type:varchar(64)" json:"model"`
	AssistanceRole *string   `gorm:"type:varchar(16)" json:"assistance_role"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationUpdate 描述一次部分更新，nil 字段保持不变。
type ConversationUpdate struct {
	ProjectID      *int
	Name           *string
	Model          *string
	AssistanceRole *string
	Status         *int
}

// Message 对应 messages 表。ID 由存储分配并单调递增，
// 同一对话内的消息按 ID 全序排列。
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(64);not null;index" json:"-"`
	Role           string    `gorm:"type:varchar(32)" json:"role"`
	Content        string    `gorm:"type:mediumtext" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Project 对应 projects 表，这里只用于按项目名分组展示对话。
type Project struct {
	ID   int    `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:varchar(100);not null" json:"name"`
}

func (Project) TableName() string {
	return "projects"
}

// ChatMessage 是发往上游的 role/content 对，不落库。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
