package types

import "time"

// RetrievalSummary condenses the outcome of one knowledge-fusion pass.
type RetrievalSummary struct {
	Queried      int    `json:"queried"` // sources queried
	Failed       int    `json:"failed"`  // sources that errored and were skipped
	Items        int    `json:"items"`   // items surviving the merge
	FallbackUsed bool   `json:"fallback_used"`
	ErrorMessage string `json:"error_message,omitempty"`
	Query        string `json:"query,omitempty"`
}

// Interaction is the per-step diagnostic snapshot captured by the telemetry
// recorder and persisted alongside the step's message.
type Interaction struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id"`
	StepID           string           `json:"step_id"`
	RoleName         string           `json:"role_name"`
	TaskType         TaskType         `json:"task_type"`
	Round            int              `json:"round"`
	Prompt           string           `json:"prompt"`
	Response         string           `json:"response"`
	Retrieval        RetrievalSummary `json:"retrieval"`
	PromptTokens     int              `json:"prompt_tokens,omitempty"`
	CompletionTokens int              `json:"completion_tokens,omitempty"`
	StartedAt        time.Time        `json:"started_at"`
	Duration         time.Duration    `json:"duration"`
}

// StepCommit bundles everything one step execution persists: the produced
// message, the advanced session, and the diagnostic snapshot. Stores must
// write all three in a single transaction.
type StepCommit struct {
	Session     *Session
	Message     *Message
	Interaction *Interaction
}
