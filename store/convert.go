package store

import (
	"time"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

func sessionFromRow(row *sessionRow) *types.Session {
	return &types.Session{
		ID:            row.ID,
		Status:        types.SessionStatus(row.Status),
		TemplateID:    row.TemplateID,
		Topic:         row.Topic,
		CurrentStepID: row.CurrentStepID,
		CurrentRound:  row.CurrentRound,
		ExecutedSteps: row.ExecutedSteps,
		FailureReason: row.FailureReason,
		CreatedAt:     row.CreatedAt,
		LastActiveAt:  row.LastActiveAt,
		CompletedAt:   row.CompletedAt,
		FailedAt:      row.FailedAt,
	}
}

func sessionToRow(sess *types.Session) *sessionRow {
	return &sessionRow{
		ID:            sess.ID,
		Status:        string(sess.Status),
		TemplateID:    sess.TemplateID,
		Topic:         sess.Topic,
		CurrentStepID: sess.CurrentStepID,
		CurrentRound:  sess.CurrentRound,
		ExecutedSteps: sess.ExecutedSteps,
		FailureReason: sess.FailureReason,
		CreatedAt:     sess.CreatedAt,
		LastActiveAt:  sess.LastActiveAt,
		CompletedAt:   sess.CompletedAt,
		FailedAt:      sess.FailedAt,
	}
}

// sessionUpdateMap lists the mutable session columns explicitly so zero
// values (cleared failure_reason, round reset) still get written.
func sessionUpdateMap(sess *types.Session) map[string]any {
	return map[string]any{
		"status":          string(sess.Status),
		"current_step_id": sess.CurrentStepID,
		"current_round":   sess.CurrentRound,
		"executed_steps":  sess.ExecutedSteps,
		"failure_reason":  sess.FailureReason,
		"last_active_at":  sess.LastActiveAt,
		"completed_at":    sess.CompletedAt,
		"failed_at":       sess.FailedAt,
	}
}

func messageFromRow(row *messageRow) types.Message {
	return types.Message{
		ID:               row.ID,
		SessionID:        row.SessionID,
		SpeakerRoleRef:   row.SpeakerRoleRef,
		SpeakerName:      row.SpeakerName,
		TargetRoleRef:    row.TargetRoleRef,
		Content:          row.Content,
		ContentSummary:   row.ContentSummary,
		RoundIndex:       row.RoundIndex,
		Section:          row.Section,
		ReplyToMessageID: row.ReplyToMessageID,
		CreatedAt:        row.CreatedAt,
	}
}

func messagesFromRows(rows []messageRow) []types.Message {
	out := make([]types.Message, 0, len(rows))
	for i := range rows {
		out = append(out, messageFromRow(&rows[i]))
	}
	return out
}

func messageToRow(m *types.Message) *messageRow {
	return &messageRow{
		ID:               m.ID,
		SessionID:        m.SessionID,
		SpeakerRoleRef:   m.SpeakerRoleRef,
		SpeakerName:      m.SpeakerName,
		TargetRoleRef:    m.TargetRoleRef,
		Content:          m.Content,
		ContentSummary:   m.ContentSummary,
		RoundIndex:       m.RoundIndex,
		Section:          m.Section,
		ReplyToMessageID: m.ReplyToMessageID,
		CreatedAt:        m.CreatedAt,
	}
}

func interactionToRow(in *types.Interaction) *interactionRow {
	return &interactionRow{
		ID:               in.ID,
		SessionID:        in.SessionID,
		StepID:           in.StepID,
		RoleName:         in.RoleName,
		TaskType:         string(in.TaskType),
		Round:            in.Round,
		Prompt:           in.Prompt,
		Response:         in.Response,
		RetrievalQueried: in.Retrieval.Queried,
		RetrievalFailed:  in.Retrieval.Failed,
		RetrievalItems:   in.Retrieval.Items,
		FallbackUsed:     in.Retrieval.FallbackUsed,
		RetrievalError:   in.Retrieval.ErrorMessage,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		StartedAt:        in.StartedAt,
		DurationMS:       in.Duration.Milliseconds(),
		CreatedAt:        time.Now(),
	}
}

func interactionFromRow(row *interactionRow) types.Interaction {
	return types.Interaction{
		ID:        row.ID,
		SessionID: row.SessionID,
		StepID:    row.StepID,
		RoleName:  row.RoleName,
		TaskType:  types.TaskType(row.TaskType),
		Round:     row.Round,
		Prompt:    row.Prompt,
		Response:  row.Response,
		Retrieval: types.RetrievalSummary{
			Queried:      row.RetrievalQueried,
			Failed:       row.RetrievalFailed,
			Items:        row.RetrievalItems,
			FallbackUsed: row.FallbackUsed,
			ErrorMessage: row.RetrievalError,
		},
		PromptTokens:     row.PromptTokens,
		CompletionTokens: row.CompletionTokens,
		StartedAt:        row.StartedAt,
		Duration:         time.Duration(row.DurationMS) * time.Millisecond,
	}
}
