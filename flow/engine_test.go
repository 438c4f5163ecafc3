package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/llm"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

func TestEngine_LinearFlowRunsToTermination(t *testing.T) {
	m := newMemStore()
	tpl := linearTemplate("tpl", 3)
	m.putTemplate(tpl)
	m.putSession(runningSession("s1", "tpl"))
	m.putRole(&types.SessionRole{SessionID: "s1", RoleRef: "role1", RoleName: "主持人", Persona: "引导讨论"})

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	// step 1 → step 2
	msg, info, err := e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "主持人", msg.SpeakerName)
	assert.Equal(t, "stub reply", msg.Content)
	assert.Equal(t, 1, msg.RoundIndex)
	assert.Equal(t, "tpl-step2", info.NextStepID)
	assert.False(t, info.Terminated)

	// step 2 → step 3, ephemeral speaker named after the ref
	msg, info, err = e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "role2", msg.SpeakerName)
	assert.Equal(t, "tpl-step3", info.NextStepID)

	// step 3 is last: flow completes
	_, info, err = e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, info.Terminated)
	assert.Equal(t, "flow completed", info.TerminationReason)

	sess, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, sess.Status)
	assert.Equal(t, 3, sess.ExecutedSteps)
	require.NotNil(t, sess.CompletedAt)

	// a fourth call is rejected, the session is terminal
	_, _, err = e.ExecuteStep(ctx, "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
}

func TestEngine_ReplyToLinksLatestMessage(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3)) // every step has scope none
	m.putSession(runningSession("s1", "tpl"))
	m.addMessage(types.Message{
		ID: "prior", SessionID: "s1", SpeakerName: "alice", Content: "earlier",
		CreatedAt: time.Now().Add(-time.Minute),
	})

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	// the link targets the session's latest message even when the step sees
	// no history
	msg, _, err := e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "prior", msg.ReplyToMessageID)

	// and chains step to step
	next, _, err := e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, next.ReplyToMessageID)
}

func TestEngine_LoopBackScenario(t *testing.T) {
	m := newMemStore()
	tpl := linearTemplate("tpl", 2)
	tpl.Steps[1].Logic = types.LogicConfig{NextStepOrder: 1, MaxLoops: 3}
	m.putTemplate(tpl)
	m.putSession(runningSession("s1", "tpl"))

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	// 2 steps per round, 3 rounds: 6 executions until termination
	var info *ExecutionInfo
	var err error
	for i := 0; i < 6; i++ {
		_, info, err = e.ExecuteStep(ctx, "s1")
		require.NoError(t, err, "execution %d", i)
	}
	assert.True(t, info.Terminated)
	assert.Equal(t, "loop budget exhausted", info.TerminationReason)

	sess, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, sess.CurrentRound)
	assert.Equal(t, 6, sess.ExecutedSteps)
}

func TestEngine_AcceptFlagTerminatesEarly(t *testing.T) {
	m := newMemStore()
	tpl := linearTemplate("tpl", 3)
	tpl.Steps[0].Logic.ExitCondition = &types.ExitCondition{Type: types.ExitConditionAcceptFlag}
	m.putTemplate(tpl)
	m.putSession(runningSession("s1", "tpl"))

	provider := &stubProvider{reply: func(req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Model: req.Model, Text: `{"accept": true, "comment": "looks good"}`}, nil
	}}
	e := newTestEngine(m, provider, nil)

	_, info, err := e.ExecuteStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, info.Terminated)
	assert.Contains(t, info.TerminationReason, "accepted")
}

func TestEngine_ConcurrentExecuteRejected(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	m.putSession(runningSession("s1", "tpl"))

	provider := &stubProvider{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	started := provider.started
	e := newTestEngine(m, provider, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := e.ExecuteStep(ctx, "s1")
		done <- err
	}()

	<-started // first execution is mid-completion

	_, _, err := e.ExecuteStep(ctx, "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
	assert.Contains(t, err.Error(), "in flight")

	close(provider.release)
	require.NoError(t, <-done)
}

func TestEngine_CommitFailureLeavesStoreUntouched(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	m.putSession(runningSession("s1", "tpl"))
	m.failCommit = errors.New("disk full")

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	_, _, err := e.ExecuteStep(ctx, "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStorage))

	// no message persisted, session position unchanged
	assert.Empty(t, m.messages)
	sess, gerr := m.GetSession(ctx, "s1")
	require.NoError(t, gerr)
	assert.Equal(t, types.SessionRunning, sess.Status)
	assert.Equal(t, 0, sess.ExecutedSteps)

	// and no debug snapshot for the failed write
	_, ok := e.LatestDebugInfo("s1")
	assert.False(t, ok)
}

func TestEngine_PipelineFailureFailsSession(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	m.putSession(runningSession("s1", "tpl"))

	provider := &stubProvider{reply: func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: "upstream 500", Retryable: true}
	}}
	e := newTestEngine(m, provider, nil)
	ctx := context.Background()

	_, _, err := e.ExecuteStep(ctx, "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrFlowExecution))
	assert.True(t, types.IsRetryable(err))

	sess, gerr := m.GetSession(ctx, "s1")
	require.NoError(t, gerr)
	assert.Equal(t, types.SessionFailed, sess.Status)
	assert.Contains(t, sess.FailureReason, "completion request failed")
	assert.Empty(t, m.messages)
}

func TestEngine_PausedSessionRejectsExecution(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	sess := runningSession("s1", "tpl")
	sess.Status = types.SessionPaused
	m.putSession(sess)

	e := newTestEngine(m, &stubProvider{}, nil)

	_, _, err := e.ExecuteStep(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
	assert.Contains(t, err.Error(), "paused")
}

func TestEngine_KnowledgeFallbackNoteInPrompt(t *testing.T) {
	m := newMemStore()
	tpl := linearTemplate("tpl", 1)
	tpl.Steps[0].Knowledge = types.KnowledgeConfig{Enabled: true, KnowledgeBaseIDs: []string{"missing-kb"}}
	m.putTemplate(tpl)
	m.putSession(runningSession("s1", "tpl"))

	e := newTestEngine(m, &stubProvider{}, nil)

	_, info, err := e.ExecuteStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, info.Retrieval.FallbackUsed)
	assert.Contains(t, info.Prompt, "No verified reference material")
}

func TestEngine_KnowledgeInPrompt(t *testing.T) {
	m := newMemStore()
	tpl := linearTemplate("tpl", 1)
	tpl.Steps[0].Knowledge = types.KnowledgeConfig{Enabled: true, KnowledgeBaseIDs: []string{"kb1"}}
	m.putTemplate(tpl)
	m.putSession(runningSession("s1", "tpl"))

	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "kb1", results: []knowledge.Result{
		{Content: "two-phase commit blocks on coordinator failure", Confidence: 0.9},
	}}, knowledge.SourceConfig{})

	e := newTestEngine(m, &stubProvider{}, registry)

	_, info, err := e.ExecuteStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, info.Retrieval.FallbackUsed)
	assert.Equal(t, 1, info.Retrieval.Items)
	assert.Contains(t, info.Prompt, "two-phase commit blocks")
}

func TestEngine_StepBudgetExhausted(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	sess := runningSession("s1", "tpl")
	sess.ExecutedSteps = 100 // default MaxExecutedSteps
	m.putSession(sess)

	e := newTestEngine(m, &stubProvider{}, nil)

	_, _, err := e.ExecuteStep(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrFlowExecution))

	got, gerr := m.GetSession(context.Background(), "s1")
	require.NoError(t, gerr)
	assert.Equal(t, types.SessionFailed, got.Status)
}

func TestEngine_CompletionTimeout(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	m.putSession(runningSession("s1", "tpl"))

	provider := &stubProvider{reply: func(*llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, context.DeadlineExceeded
	}}
	e := newTestEngine(m, provider, nil)

	_, _, err := e.ExecuteStep(context.Background(), "s1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCompletionTimeout))
	assert.True(t, types.IsRetryable(err))
}

func TestEngine_StartPositionsAtFirstStep(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	sess := runningSession("s1", "tpl")
	sess.Status = types.SessionCreated
	sess.CurrentRound = 0
	m.putSession(sess)

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	require.NoError(t, e.Start(ctx, "s1"))

	got, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, got.Status)
	assert.Equal(t, "tpl-step1", got.CurrentStepID)
	assert.Equal(t, 1, got.CurrentRound)

	ok, err := e.IsExecutable(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_DebugInfoAfterExecution(t *testing.T) {
	m := newMemStore()
	m.putTemplate(linearTemplate("tpl", 3))
	m.putSession(runningSession("s1", "tpl"))

	e := newTestEngine(m, &stubProvider{}, nil)
	ctx := context.Background()

	_, _, err := e.ExecuteStep(ctx, "s1")
	require.NoError(t, err)

	snap, ok := e.LatestDebugInfo("s1")
	require.True(t, ok)
	assert.Equal(t, "tpl-step1", snap.StepID)
	assert.Equal(t, "stub reply", snap.Response)
	assert.NotEmpty(t, snap.Prompt)
	assert.Equal(t, 10, snap.PromptTokens)
	assert.Equal(t, 5, snap.CompletionTokens)
	assert.Greater(t, snap.Duration, time.Duration(0))

	// global view agrees
	any, ok := e.LatestDebugInfo("")
	require.True(t, ok)
	assert.Equal(t, snap.ID, any.ID)

	hist := e.DebugHistory("s1")
	require.Len(t, hist, 1)
}
