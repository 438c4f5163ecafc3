package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jiazeyu1987/MRC-sub000/config"
	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/llm"
	"github.com/jiazeyu1987/MRC-sub000/llm/tokenizer"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// ExecutionInfo is the caller-facing account of one executed step.
type ExecutionInfo struct {
	StepID      string                 `json:"step_id"`
	TaskType    types.TaskType         `json:"task_type"`
	SpeakerName string                 `json:"speaker_name"`
	Round       int                    `json:"round"`
	Prompt      string                 `json:"prompt"`
	Response    string                 `json:"response"`
	Retrieval   types.RetrievalSummary `json:"retrieval"`
	Duration    time.Duration          `json:"duration"`

	Terminated        bool   `json:"terminated"`
	TerminationReason string `json:"termination_reason,omitempty"`
	NextStepID        string `json:"next_step_id,omitempty"`
	NextRound         int    `json:"next_round,omitempty"`
}

// Engine is the flow execution engine facade: session lifecycle control plus
// synchronous step-by-step execution.
type Engine struct {
	store    Store
	control  *SessionControl
	history  *HistorySelector
	composer *QueryComposer
	fusion   *Fusion
	branches *BranchResolver
	invoker  *Invoker
	recorder *Recorder
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	maxExecutedSteps int

	// inflight serializes execution per session: sessionID → *sync.Mutex.
	inflight sync.Map
}

// NewEngine wires the engine from its collaborators. cache, collector and
// counter may be nil; cfg supplies the engine and llm tuning knobs.
func NewEngine(
	st Store,
	provider llm.Provider,
	registry *knowledge.Registry,
	cache *knowledge.QueryCache,
	collector *metrics.Collector,
	counter tokenizer.Tokenizer,
	cfg *config.Config,
	logger *zap.Logger,
) *Engine {
	maxSteps := cfg.Engine.MaxExecutedSteps
	if maxSteps <= 0 {
		maxSteps = config.DefaultConfig().Engine.MaxExecutedSteps
	}
	return &Engine{
		store:            st,
		control:          NewSessionControl(st, collector, logger),
		history:          NewHistorySelector(st, cfg.Engine.DefaultHistoryN),
		composer:         NewQueryComposer(cfg.Engine.QueryMaxChars),
		fusion:           NewFusion(registry, cache, collector, cfg.Engine.MaxKnowledgeItems, logger),
		branches:         NewBranchResolver(logger),
		invoker:          NewInvoker(provider, counter, collector, cfg.LLM, logger),
		recorder:         NewRecorder(cfg.Engine.TelemetryTTL, cfg.Engine.TelemetryHistory),
		metrics:          collector,
		tracer:           otel.Tracer("mrc/flow"),
		logger:           logger.With(zap.String("component", "engine")),
		maxExecutedSteps: maxSteps,
	}
}

// Control exposes the session lifecycle controller.
func (e *Engine) Control() *SessionControl { return e.control }

// Branches exposes the branch resolver, mainly so callers can inject a
// deterministic random source.
func (e *Engine) Branches() *BranchResolver { return e.branches }

// Start moves a created session to running, positioned at the template's
// first step.
func (e *Engine) Start(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	tpl, err := e.store.GetTemplate(ctx, sess.TemplateID)
	if err != nil {
		return err
	}
	if len(tpl.Steps) == 0 {
		return types.Errorf(types.ErrInvalidConfig, "template %s has no steps", tpl.ID)
	}
	return e.control.Start(ctx, sessionID, tpl.Steps[0].ID)
}

// Pause moves a running session to paused.
func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	return e.control.Pause(ctx, sessionID)
}

// Resume moves a paused session back to running.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	return e.control.Resume(ctx, sessionID)
}

// Finish closes a running or paused session as finished.
func (e *Engine) Finish(ctx context.Context, sessionID, reason string) error {
	return e.control.Finish(ctx, sessionID, reason)
}

// IsExecutable reports whether the session currently accepts ExecuteStep.
func (e *Engine) IsExecutable(ctx context.Context, sessionID string) (bool, error) {
	return e.control.IsExecutable(ctx, sessionID)
}

// LatestDebugInfo returns the most recent step snapshot for the session, or
// the most recent across all sessions when sessionID is empty. ok is false
// when nothing has been recorded (or it expired).
func (e *Engine) LatestDebugInfo(sessionID string) (*types.Interaction, bool) {
	if sessionID == "" {
		return e.recorder.LatestAny()
	}
	return e.recorder.Latest(sessionID)
}

// DebugHistory returns the session's retained step snapshots, oldest first.
func (e *Engine) DebugHistory(sessionID string) []types.Interaction {
	return e.recorder.History(sessionID)
}

// ExecuteStep runs the session's current step to completion and persists the
// result. At most one step per session may be in flight; a concurrent second
// call fails immediately with INVALID_STATE.
func (e *Engine) ExecuteStep(ctx context.Context, sessionID string) (*types.Message, *ExecutionInfo, error) {
	mu := e.lockFor(sessionID)
	if !mu.TryLock() {
		return nil, nil, types.Errorf(types.ErrInvalidState,
			"session %s already has a step in flight", sessionID)
	}
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "flow.ExecuteStep",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	start := time.Now()
	msg, info, err := e.executeStep(ctx, sessionID, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.metrics != nil {
			task := ""
			if info != nil {
				task = string(info.TaskType)
			}
			e.metrics.RecordStep(task, "error", time.Since(start))
		}
		return nil, info, err
	}

	span.SetAttributes(
		attribute.String("step.id", info.StepID),
		attribute.String("step.task_type", string(info.TaskType)),
		attribute.Bool("step.terminated", info.Terminated),
	)
	if e.metrics != nil {
		e.metrics.RecordStep(string(info.TaskType), "ok", info.Duration)
	}
	return msg, info, nil
}

func (e *Engine) executeStep(ctx context.Context, sessionID string, start time.Time) (*types.Message, *ExecutionInfo, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != types.SessionRunning {
		return nil, nil, types.Errorf(types.ErrInvalidState,
			"cannot execute step in status %q", sess.Status)
	}
	if sess.ExecutedSteps >= e.maxExecutedSteps {
		err := types.Errorf(types.ErrFlowExecution,
			"session exceeded the %d-step safety budget", e.maxExecutedSteps)
		e.control.Fail(ctx, sess, err)
		return nil, nil, err
	}

	tpl, err := e.store.GetTemplate(ctx, sess.TemplateID)
	if err != nil {
		e.control.Fail(ctx, sess, err)
		return nil, nil, err
	}
	step := e.currentStep(sess, tpl)
	if step == nil {
		err := types.Errorf(types.ErrStepNotFound,
			"current step %q not found in template %s", sess.CurrentStepID, tpl.ID)
		e.control.Fail(ctx, sess, err)
		return nil, nil, err
	}

	info := &ExecutionInfo{
		StepID:   step.ID,
		TaskType: step.TaskType,
		Round:    sess.CurrentRound,
	}

	role, err := e.resolveRole(ctx, sess, step)
	if err != nil {
		e.control.Fail(ctx, sess, err)
		return nil, info, types.NewError(types.ErrFlowExecution, "resolve speaker role").WithCause(err)
	}
	info.SpeakerName = role.RoleName

	selected, err := e.history.Select(ctx, sess, step.ContextScope)
	if err != nil {
		e.control.Fail(ctx, sess, err)
		return nil, info, types.NewError(types.ErrFlowExecution, "select history").WithCause(err)
	}
	chron := Chronological(step.ContextScope, selected)

	var bundle *Bundle
	if step.Knowledge.Enabled {
		query := e.composer.Compose(sess.Topic, step, chron)
		bundle = e.fusion.Retrieve(ctx, role, step, query)
		info.Retrieval = bundle.Summary
	}

	resp, prompt, err := e.invoker.Invoke(ctx, &PromptInput{
		Session:   sess,
		Step:      step,
		Role:      role,
		History:   chron,
		Knowledge: bundle,
	})
	info.Prompt = prompt
	if err != nil {
		e.control.Fail(ctx, sess, err)
		return nil, info, err
	}
	info.Response = resp.Text

	// the reply-to link always targets the session's most recent message,
	// independent of the step's context scope
	prev, err := e.store.LatestMessage(ctx, sess.ID)
	if err != nil {
		e.control.Fail(ctx, sess, err)
		return nil, info, types.NewError(types.ErrFlowExecution, "resolve reply-to message").WithCause(err)
	}
	msg := e.materializeMessage(sess, step, role, prev, resp.Text)
	decision := e.branches.Resolve(sess, tpl, step, msg)

	now := time.Now()
	prevStatus := sess.Status
	sess.ExecutedSteps++
	sess.LastActiveAt = now
	if decision.Terminate {
		sess.Status = types.SessionTerminated
		sess.CompletedAt = &now
		info.Terminated = true
		info.TerminationReason = decision.Reason
	} else {
		sess.CurrentStepID = decision.NextStepID
		sess.CurrentRound = decision.NextRound
		info.NextStepID = decision.NextStepID
		info.NextRound = decision.NextRound
	}
	info.Duration = time.Since(start)

	interaction := &types.Interaction{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		StepID:           step.ID,
		RoleName:         role.RoleName,
		TaskType:         step.TaskType,
		Round:            msg.RoundIndex,
		Prompt:           prompt,
		Response:         resp.Text,
		Retrieval:        info.Retrieval,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		StartedAt:        start,
		Duration:         info.Duration,
	}

	if err := e.store.CommitStep(ctx, &types.StepCommit{
		Session:     sess,
		Message:     msg,
		Interaction: interaction,
	}); err != nil {
		return nil, info, err
	}
	e.recorder.Record(interaction)

	if decision.Terminate {
		if e.metrics != nil {
			e.metrics.RecordTransition(string(prevStatus), string(types.SessionTerminated))
		}
		e.logger.Info("session terminated by flow",
			zap.String("session_id", sess.ID),
			zap.String("reason", decision.Reason))
	}
	e.logger.Debug("step executed",
		zap.String("session_id", sess.ID),
		zap.String("step_id", step.ID),
		zap.String("task_type", string(step.TaskType)),
		zap.Int("round", msg.RoundIndex),
		zap.Bool("terminated", decision.Terminate),
		zap.Duration("duration", info.Duration))
	return msg, info, nil
}

// currentStep resolves the session's position: the recorded current step, or
// the template's first step when the session has not started moving yet.
func (e *Engine) currentStep(sess *types.Session, tpl *types.FlowTemplate) *types.FlowStep {
	if sess.CurrentStepID == "" {
		if len(tpl.Steps) == 0 {
			return nil
		}
		return &tpl.Steps[0]
	}
	return tpl.StepByID(sess.CurrentStepID)
}

// resolveRole returns the persistent binding for the step's speaker, or a
// synthesized ephemeral binding when none exists.
func (e *Engine) resolveRole(ctx context.Context, sess *types.Session, step *types.FlowStep) (*types.SessionRole, error) {
	role, err := e.store.GetSessionRole(ctx, sess.ID, step.SpeakerRoleRef)
	if err != nil {
		return nil, err
	}
	if role == nil {
		e.logger.Debug("no role binding, synthesizing ephemeral speaker",
			zap.String("session_id", sess.ID),
			zap.String("role_ref", step.SpeakerRoleRef))
		role = &types.SessionRole{
			SessionID: sess.ID,
			RoleRef:   step.SpeakerRoleRef,
			RoleName:  step.SpeakerRoleRef,
			Ephemeral: true,
		}
	}
	return role, nil
}

func (e *Engine) materializeMessage(sess *types.Session, step *types.FlowStep, role *types.SessionRole, prev *types.Message, content string) *types.Message {
	replyTo := ""
	if prev != nil {
		replyTo = prev.ID
	}
	return &types.Message{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		SpeakerRoleRef:   step.SpeakerRoleRef,
		SpeakerName:      role.RoleName,
		TargetRoleRef:    step.TargetRoleRef,
		Content:          content,
		ContentSummary:   types.Summarize(content, types.SummaryLength),
		RoundIndex:       sess.CurrentRound,
		Section:          step.TaskType.Section(),
		ReplyToMessageID: replyTo,
		CreatedAt:        time.Now(),
	}
}

func (e *Engine) lockFor(sessionID string) *sync.Mutex {
	mu, _ := e.inflight.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
