package store

import (
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 数据表模型
// =============================================================================
// 步骤级配置（context_scope / context_param / logic_config / knowledge_config）
// 以 JSON 文本列存储，读取时统一经 parse.go 校验为 types 中的类型化结构。

type sessionRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	Status        string `gorm:"size:16;index"`
	TemplateID    string `gorm:"size:64;index"`
	Topic         string
	CurrentStepID string `gorm:"size:64"`
	CurrentRound  int
	ExecutedSteps int
	FailureReason string
	CreatedAt     time.Time
	LastActiveAt  time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
}

func (sessionRow) TableName() string { return "mrc_sessions" }

type templateRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string
	CreatedAt time.Time
}

func (templateRow) TableName() string { return "mrc_flow_templates" }

type stepRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TemplateID     string `gorm:"size:64;index:idx_step_template_order,unique"`
	StepOrder      int    `gorm:"index:idx_step_template_order,unique"`
	SpeakerRoleRef string `gorm:"size:64"`
	TargetRoleRef  string `gorm:"size:64"`
	TaskType       string `gorm:"size:32"`
	Description    string
	// legacy polymorphic column: keyword, role name, or JSON array
	ContextScope string
	ContextParam string
	LogicConfig  string
	KnowledgeCfg string `gorm:"column:knowledge_config"`
}

func (stepRow) TableName() string { return "mrc_flow_steps" }

type sessionRoleRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	SessionID        string `gorm:"size:64;index:idx_role_session_ref,unique"`
	RoleRef          string `gorm:"size:64;index:idx_role_session_ref,unique"`
	RoleName         string `gorm:"size:128"`
	Persona          string
	KnowledgeBaseIDs string // JSON array
}

func (sessionRoleRow) TableName() string { return "mrc_session_roles" }

type messageRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	Seq              uint64 `gorm:"autoIncrement;uniqueIndex"` // stable tie-break for created_at ordering
	SessionID        string `gorm:"size:64;index"`
	SpeakerRoleRef   string `gorm:"size:64"`
	SpeakerName      string `gorm:"size:128"`
	TargetRoleRef    string `gorm:"size:64"`
	Content          string
	ContentSummary   string
	RoundIndex       int    `gorm:"index"`
	Section          string `gorm:"size:32"`
	ReplyToMessageID string `gorm:"size:64"`
	CreatedAt        time.Time
}

func (messageRow) TableName() string { return "mrc_messages" }

type interactionRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	SessionID        string `gorm:"size:64;index"`
	StepID           string `gorm:"size:64"`
	RoleName         string `gorm:"size:128"`
	TaskType         string `gorm:"size:32"`
	Round            int
	Prompt           string
	Response         string
	RetrievalQueried int
	RetrievalFailed  int
	RetrievalItems   int
	FallbackUsed     bool
	RetrievalError   string
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	DurationMS       int64
	CreatedAt        time.Time
}

func (interactionRow) TableName() string { return "mrc_interactions" }

// AutoMigrate creates or updates the engine's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&sessionRow{},
		&templateRow{},
		&stepRow{},
		&sessionRoleRow{},
		&messageRow{},
		&interactionRow{},
	)
}
