package types

import (
	"time"
	"unicode/utf8"
)

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionCreated    SessionStatus = "created"
	SessionRunning    SessionStatus = "running"
	SessionPaused     SessionStatus = "paused"
	SessionFinished   SessionStatus = "finished"
	SessionFailed     SessionStatus = "failed"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionFinished, SessionFailed, SessionTerminated:
		return true
	}
	return false
}

// TaskType is the semantic tag of a flow step. It drives prompt framing and
// the derived conversational section label of the produced message.
type TaskType string

const (
	TaskAsk       TaskType = "ask"
	TaskAnswer    TaskType = "answer"
	TaskReview    TaskType = "review"
	TaskSummarize TaskType = "summarize"
	TaskChallenge TaskType = "challenge"
	TaskConclude  TaskType = "conclude"
)

// sectionByTask maps a task type to the conversational section label carried
// by the message it produces. Unknown task types fall back to "discussion".
var sectionByTask = map[TaskType]string{
	TaskAsk:       "question",
	TaskAnswer:    "discussion",
	TaskReview:    "review",
	TaskChallenge: "discussion",
	TaskSummarize: "summary",
	TaskConclude:  "conclusion",
}

// Section returns the section label derived from the task type.
func (t TaskType) Section() string {
	if s, ok := sectionByTask[t]; ok {
		return s
	}
	return "discussion"
}

// Session 会话：模板驱动的一次多角色对话实例。
// 不变式：status == running 才允许执行步骤；任一时刻至多一个步骤在途。
type Session struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	TemplateID    string        `json:"template_id"`
	Topic         string        `json:"topic"`
	CurrentStepID string        `json:"current_step_id"`
	CurrentRound  int           `json:"current_round"`
	ExecutedSteps int           `json:"executed_steps"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActiveAt  time.Time     `json:"last_active_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
}

// FlowTemplate 流程模板：预定义的有序步骤序列。
type FlowTemplate struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Steps []FlowStep `json:"steps"` // ascending by Order, unique Order values
}

// StepByID returns the step with the given id, or nil.
func (t *FlowTemplate) StepByID(id string) *FlowStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepByOrder returns the step with the given 1-based order, or nil.
func (t *FlowTemplate) StepByOrder(order int) *FlowStep {
	for i := range t.Steps {
		if t.Steps[i].Order == order {
			return &t.Steps[i]
		}
	}
	return nil
}

// FlowStep 单个计划回合。
type FlowStep struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	Order          int             `json:"order"` // 1-based position in the template
	SpeakerRoleRef string          `json:"speaker_role_ref"`
	TargetRoleRef  string          `json:"target_role_ref,omitempty"`
	TaskType       TaskType        `json:"task_type"`
	Description    string          `json:"description,omitempty"` // free-text task framing
	ContextScope   ContextScope    `json:"context_scope"`
	Logic          LogicConfig     `json:"logic_config"`
	Knowledge      KnowledgeConfig `json:"knowledge_config"`
}

// LogicConfig 步骤级分支/循环/终止规则。
type LogicConfig struct {
	// Type selects the branching strategy. Empty means linear advance with
	// optional loop-back at the last step; "random" selects a weighted random
	// branch from Branches.
	Type string `json:"type,omitempty"`

	// NextStepOrder is the 1-based loop-back target evaluated at the last
	// template step.
	NextStepOrder int `json:"next_step_order,omitempty"`

	// MaxLoops bounds how many rounds the loop-back may produce. Zero is
	// treated as 1.
	MaxLoops int `json:"max_loops,omitempty"`

	// ExitCondition is the structured termination rule, evaluated before any
	// branching.
	ExitCondition *ExitCondition `json:"exit_condition,omitempty"`

	// LegacyExitFlag is the deprecated equality-sentinel termination flag
	// consulted only on the loop-back path. The sentinel value
	// "has-exit-value" suppresses looping.
	LegacyExitFlag string `json:"exit_flag,omitempty"`

	// Branches are the candidates for Type == "random". Weights default to 1.
	Branches []Branch `json:"branches,omitempty"`
}

// ExitConditionAcceptFlag is the structured exit-condition type: the speaker's
// latest message is parsed as JSON and a true "accept" field terminates the
// session.
const ExitConditionAcceptFlag = "llm_accept_flag"

// LegacyExitSentinel is the sentinel value of LogicConfig.LegacyExitFlag that
// suppresses loop-back.
const LegacyExitSentinel = "has-exit-value"

// ExitCondition is a structured termination rule.
type ExitCondition struct {
	Type string `json:"type"`
}

// Branch is one weighted candidate of a random branching step.
type Branch struct {
	StepOrder int     `json:"step_order"`
	Weight    float64 `json:"weight,omitempty"`
}

// KnowledgeConfig 步骤级知识检索配置。
type KnowledgeConfig struct {
	Enabled             bool     `json:"enabled"`
	KnowledgeBaseIDs    []string `json:"knowledge_base_ids,omitempty"`
	TopK                int      `json:"top_k,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
}

// SessionRole 会话内符号角色到具体角色身份的绑定。
// Ephemeral 表示该绑定是执行期为无持久映射的 speaker_role_ref 合成的。
type SessionRole struct {
	ID               string   `json:"id"`
	SessionID        string   `json:"session_id"`
	RoleRef          string   `json:"role_ref"`
	RoleName         string   `json:"role_name"`
	Persona          string   `json:"persona,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	Ephemeral        bool     `json:"-"`
}

// Message 不可变会话消息。
type Message struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	SpeakerRoleRef   string    `json:"speaker_role_ref"`
	SpeakerName      string    `json:"speaker_name"`
	TargetRoleRef    string    `json:"target_role_ref,omitempty"`
	Content          string    `json:"content"`
	ContentSummary   string    `json:"content_summary"`
	RoundIndex       int       `json:"round_index"`
	Section          string    `json:"section"`
	ReplyToMessageID string    `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SummaryLength is the rune budget of Message.ContentSummary.
const SummaryLength = 100

// Summarize truncates content to limit runes, appending an ellipsis when
// truncated. Rune-safe for CJK content.
func Summarize(content string, limit int) string {
	if limit <= 0 {
		limit = SummaryLength
	}
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "…"
}
