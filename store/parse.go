package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

// parseStep converts a raw step row into the validated typed form.
//
// Config columns are legacy JSON text; malformed values are diagnosed here
// (load time) instead of silently producing empty results at execution time.
// The returned step is always usable: invalid columns degrade to their
// fail-open zero forms, and the accumulated diagnostics are returned so the
// caller can log or reject the template.
func parseStep(row *stepRow) (types.FlowStep, []error) {
	var diags []error

	step := types.FlowStep{
		ID:             row.ID,
		TemplateID:     row.TemplateID,
		Order:          row.StepOrder,
		SpeakerRoleRef: row.SpeakerRoleRef,
		TargetRoleRef:  row.TargetRoleRef,
		TaskType:       types.TaskType(row.TaskType),
		Description:    row.Description,
	}

	var param map[string]any
	if raw := strings.TrimSpace(row.ContextParam); raw != "" {
		if err := json.Unmarshal([]byte(raw), &param); err != nil {
			diags = append(diags, types.Errorf(types.ErrInvalidConfig,
				"step %s: malformed context_param", row.ID).WithCause(err))
		}
	}

	scope, err := types.ParseContextScope(row.ContextScope, param)
	if err != nil {
		diags = append(diags, fmt.Errorf("step %s: %w", row.ID, err))
	}
	step.ContextScope = scope

	if raw := strings.TrimSpace(row.LogicConfig); raw != "" {
		if err := json.Unmarshal([]byte(raw), &step.Logic); err != nil {
			diags = append(diags, types.Errorf(types.ErrInvalidConfig,
				"step %s: malformed logic_config", row.ID).WithCause(err))
			step.Logic = types.LogicConfig{}
		}
	}

	if raw := strings.TrimSpace(row.KnowledgeCfg); raw != "" {
		if err := json.Unmarshal([]byte(raw), &step.Knowledge); err != nil {
			diags = append(diags, types.Errorf(types.ErrInvalidConfig,
				"step %s: malformed knowledge_config", row.ID).WithCause(err))
			step.Knowledge = types.KnowledgeConfig{}
		}
	}

	return step, diags
}

// encodeScope renders a typed scope back into the legacy polymorphic column
// pair (context_scope, context_param).
func encodeScope(scope types.ContextScope) (string, string) {
	switch scope.Kind {
	case types.ScopeNone:
		return "none", ""
	case types.ScopeLastMessage:
		return "last_message", ""
	case types.ScopeLastRound:
		return "last_round", ""
	case types.ScopeLastN:
		n := scope.N
		if n <= 0 {
			n = types.DefaultLastN
		}
		return "last_n_messages", fmt.Sprintf(`{"n":%d}`, n)
	case types.ScopeRoleSet:
		if len(scope.Roles) == 1 {
			return scope.Roles[0], ""
		}
		raw, _ := json.Marshal(scope.Roles)
		return string(raw), ""
	}
	return "none", ""
}

func encodeJSON(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func jsonUnmarshal(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}
