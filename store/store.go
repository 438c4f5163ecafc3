package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jiazeyu1987/MRC-sub000/internal/database"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// Gorm is the relational session/message store.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a store over an opened gorm connection.
func New(db *gorm.DB, logger *zap.Logger) *Gorm {
	return &Gorm{db: db, logger: logger.With(zap.String("component", "store"))}
}

// Migrate creates the schema.
func (s *Gorm) Migrate() error {
	return AutoMigrate(s.db)
}

// =============================================================================
// Session
// =============================================================================

// GetSession returns the session or a SESSION_NOT_FOUND error.
func (s *Gorm) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load session").WithCause(err).WithRetryable(database.IsRetryableError(err))
	}
	return sessionFromRow(&row), nil
}

// CreateSession persists a new session.
func (s *Gorm) CreateSession(ctx context.Context, sess *types.Session) error {
	if err := s.db.WithContext(ctx).Create(sessionToRow(sess)).Error; err != nil {
		return types.NewError(types.ErrStorage, "create session").WithCause(err)
	}
	return nil
}

// UpdateSession persists session status, counters and lifecycle timestamps.
func (s *Gorm) UpdateSession(ctx context.Context, sess *types.Session) error {
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sess.ID).Updates(sessionUpdateMap(sess))
	if res.Error != nil {
		return types.NewError(types.ErrStorage, "update session").WithCause(res.Error).WithRetryable(database.IsRetryableError(res.Error))
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrSessionNotFound, "session %s not found", sess.ID)
	}
	return nil
}

// =============================================================================
// Template / steps
// =============================================================================

// GetTemplate returns the template with its steps parsed, validated and
// ordered. Config-column diagnostics are logged at Warn; the template stays
// usable with the affected fields in their fail-open zero forms.
func (s *Gorm) GetTemplate(ctx context.Context, id string) (*types.FlowTemplate, error) {
	tpl, diags, err := s.loadTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		s.logger.Warn("flow step config invalid, continuing fail-open", zap.Error(d))
	}
	return tpl, nil
}

// ValidateTemplate returns every config diagnostic of the template's steps.
// Intended for load-time checks (template import, migrate --check).
func (s *Gorm) ValidateTemplate(ctx context.Context, id string) ([]error, error) {
	_, diags, err := s.loadTemplate(ctx, id)
	return diags, err
}

func (s *Gorm) loadTemplate(ctx context.Context, id string) (*types.FlowTemplate, []error, error) {
	var trow templateRow
	err := s.db.WithContext(ctx).First(&trow, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, types.Errorf(types.ErrTemplateNotFound, "template %s not found", id)
	}
	if err != nil {
		return nil, nil, types.NewError(types.ErrStorage, "load template").WithCause(err)
	}

	var rows []stepRow
	if err := s.db.WithContext(ctx).Where("template_id = ?", id).Order("step_order asc").Find(&rows).Error; err != nil {
		return nil, nil, types.NewError(types.ErrStorage, "load template steps").WithCause(err)
	}

	tpl := &types.FlowTemplate{ID: trow.ID, Name: trow.Name, Steps: make([]types.FlowStep, 0, len(rows))}
	var diags []error
	for i := range rows {
		step, ds := parseStep(&rows[i])
		diags = append(diags, ds...)
		tpl.Steps = append(tpl.Steps, step)
	}
	sort.SliceStable(tpl.Steps, func(i, j int) bool { return tpl.Steps[i].Order < tpl.Steps[j].Order })
	return tpl, diags, nil
}

// CreateTemplate persists a template and its steps, encoding the typed
// configs back into the legacy JSON columns.
func (s *Gorm) CreateTemplate(ctx context.Context, tpl *types.FlowTemplate) error {
	return database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Create(&templateRow{ID: tpl.ID, Name: tpl.Name, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		for i := range tpl.Steps {
			step := &tpl.Steps[i]
			scope, param := encodeScope(step.ContextScope)
			row := &stepRow{
				ID:             step.ID,
				TemplateID:     tpl.ID,
				StepOrder:      step.Order,
				SpeakerRoleRef: step.SpeakerRoleRef,
				TargetRoleRef:  step.TargetRoleRef,
				TaskType:       string(step.TaskType),
				Description:    step.Description,
				ContextScope:   scope,
				ContextParam:   param,
				LogicConfig:    encodeJSON(step.Logic),
				KnowledgeCfg:   encodeJSON(step.Knowledge),
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Roles
// =============================================================================

// GetSessionRole returns the session-scoped role binding, or (nil, nil) when
// no persistent binding exists for the ref.
func (s *Gorm) GetSessionRole(ctx context.Context, sessionID, roleRef string) (*types.SessionRole, error) {
	var row sessionRoleRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ? AND role_ref = ?", sessionID, roleRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load session role").WithCause(err)
	}
	role := &types.SessionRole{
		ID:        row.ID,
		SessionID: row.SessionID,
		RoleRef:   row.RoleRef,
		RoleName:  row.RoleName,
		Persona:   row.Persona,
	}
	if row.KnowledgeBaseIDs != "" {
		if err := jsonUnmarshal(row.KnowledgeBaseIDs, &role.KnowledgeBaseIDs); err != nil {
			s.logger.Warn("session role knowledge_base_ids invalid, ignoring",
				zap.String("session_id", sessionID),
				zap.String("role_ref", roleRef),
				zap.Error(err))
		}
	}
	return role, nil
}

// CreateSessionRole persists a role binding.
func (s *Gorm) CreateSessionRole(ctx context.Context, role *types.SessionRole) error {
	row := &sessionRoleRow{
		ID:        role.ID,
		SessionID: role.SessionID,
		RoleRef:   role.RoleRef,
		RoleName:  role.RoleName,
		Persona:   role.Persona,
	}
	if len(role.KnowledgeBaseIDs) > 0 {
		row.KnowledgeBaseIDs = encodeJSON(role.KnowledgeBaseIDs)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return types.NewError(types.ErrStorage, "create session role").WithCause(err)
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

// LatestMessage returns the most recent message of the session, or (nil, nil)
// when the session has none.
func (s *Gorm) LatestMessage(ctx context.Context, sessionID string) (*types.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at desc, seq desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load latest message").WithCause(err)
	}
	m := messageFromRow(&row)
	return &m, nil
}

// MessagesByRound returns the session's messages of one round, ascending by
// creation time.
func (s *Gorm) MessagesByRound(ctx context.Context, sessionID string, round int) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("session_id = ? AND round_index = ?", sessionID, round).
		Order("created_at asc, seq asc").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load round messages").WithCause(err)
	}
	return messagesFromRows(rows), nil
}

// LastNMessages returns the n most recent messages, most-recent-first.
func (s *Gorm) LastNMessages(ctx context.Context, sessionID string, n int) ([]types.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at desc, seq desc").Limit(n).Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load last messages").WithCause(err)
	}
	return messagesFromRows(rows), nil
}

// MessagesBySpeakers returns all messages spoken by the named roles,
// ascending by creation time. Unknown names simply match nothing.
func (s *Gorm) MessagesBySpeakers(ctx context.Context, sessionID string, names []string) ([]types.Message, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("session_id = ? AND speaker_name IN ?", sessionID, names).
		Order("created_at asc, seq asc").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "load speaker messages").WithCause(err)
	}
	return messagesFromRows(rows), nil
}

// ListMessages returns the full transcript, ascending.
func (s *Gorm) ListMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at asc, seq asc").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "list messages").WithCause(err)
	}
	return messagesFromRows(rows), nil
}

// =============================================================================
// Step commit
// =============================================================================

// CommitStep persists one step execution atomically: the produced message,
// the advanced session row, and the diagnostic interaction. Either all three
// commit or none do.
func (s *Gorm) CommitStep(ctx context.Context, commit *types.StepCommit) error {
	err := database.WithTransactionRetry(ctx, s.db, 3, s.logger, func(tx *gorm.DB) error {
		if err := tx.Create(messageToRow(commit.Message)).Error; err != nil {
			return err
		}
		res := tx.Model(&sessionRow{}).Where("id = ?", commit.Session.ID).Updates(sessionUpdateMap(commit.Session))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if commit.Interaction != nil {
			if err := tx.Create(interactionToRow(commit.Interaction)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrStorage, "commit step").WithCause(err).WithRetryable(database.IsRetryableError(err))
	}
	return nil
}

// Interactions returns the persisted diagnostic history of a session,
// ascending by creation time.
func (s *Gorm) Interactions(ctx context.Context, sessionID string) ([]types.Interaction, error) {
	var rows []interactionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "list interactions").WithCause(err)
	}
	out := make([]types.Interaction, 0, len(rows))
	for i := range rows {
		out = append(out, interactionFromRow(&rows[i]))
	}
	return out, nil
}
