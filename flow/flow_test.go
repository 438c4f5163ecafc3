package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jiazeyu1987/MRC-sub000/config"
	"github.com/jiazeyu1987/MRC-sub000/internal/metrics"
	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/llm"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*types.Session
	templates map[string]*types.FlowTemplate
	roles     map[string]*types.SessionRole
	messages  []types.Message

	commits    int
	failCommit error
	seq        int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]*types.Session),
		templates: make(map[string]*types.FlowTemplate),
		roles:     make(map[string]*types.SessionRole),
	}
}

func (m *memStore) putSession(sess *types.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
}

func (m *memStore) putTemplate(tpl *types.FlowTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tpl.ID] = tpl
}

func (m *memStore) putRole(role *types.SessionRole) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.SessionID+"|"+role.RoleRef] = role
}

func (m *memStore) addMessage(msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Millisecond)
	}
	m.messages = append(m.messages, msg)
}

func (m *memStore) GetSession(_ context.Context, id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (m *memStore) UpdateSession(_ context.Context, sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %s not found", sess.ID)
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (*types.FlowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, types.Errorf(types.ErrTemplateNotFound, "template %s not found", id)
	}
	return tpl, nil
}

func (m *memStore) GetSessionRole(_ context.Context, sessionID, roleRef string) (*types.SessionRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[sessionID+"|"+roleRef]
	if !ok {
		return nil, nil
	}
	cp := *role
	return &cp, nil
}

func (m *memStore) LatestMessage(_ context.Context, sessionID string) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *types.Message
	for i := range m.messages {
		msg := &m.messages[i]
		if msg.SessionID != sessionID {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			latest = msg
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) MessagesByRound(_ context.Context, sessionID string, round int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.RoundIndex == round {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) LastNMessages(_ context.Context, sessionID string, n int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Message
	for i := len(m.messages) - 1; i >= 0 && len(out) < n; i-- {
		if m.messages[i].SessionID == sessionID {
			out = append(out, m.messages[i])
		}
	}
	return out, nil
}

func (m *memStore) MessagesBySpeakers(_ context.Context, sessionID string, names []string) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []types.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && wanted[msg.SpeakerName] {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) CommitStep(_ context.Context, commit *types.StepCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		return types.NewError(types.ErrStorage, "commit step").WithCause(m.failCommit)
	}
	m.seq++
	msg := *commit.Message
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Millisecond)
	}
	m.messages = append(m.messages, msg)
	cp := *commit.Session
	m.sessions[cp.ID] = &cp
	m.commits++
	return nil
}

// stubProvider is a scriptable completion provider.
type stubProvider struct {
	mu      sync.Mutex
	reply   func(req *llm.ChatRequest) (*llm.ChatResponse, error)
	calls   int
	started chan struct{} // closed receivers observe a call in flight
	release chan struct{} // blocks completion until closed
}

func (p *stubProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	started := p.started
	p.started = nil
	p.mu.Unlock()
	if started != nil {
		close(started)
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.reply != nil {
		return p.reply(req)
	}
	return &llm.ChatResponse{
		Model: req.Model,
		Text:  "stub reply",
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 5},
	}, nil
}

func (p *stubProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *stubProvider) Name() string { return "stub" }

// stubSource is a scriptable knowledge source.
type stubSource struct {
	id      string
	results []knowledge.Result
	err     error
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Search(context.Context, string, int, float64) ([]knowledge.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func newTestEngine(st Store, provider llm.Provider, registry *knowledge.Registry) *Engine {
	if registry == nil {
		registry = knowledge.NewRegistry()
	}
	// fresh registry per engine so collectors never collide across tests
	collector := metrics.NewCollector("mrc_flow_test", prometheus.NewRegistry())
	return NewEngine(st, provider, registry, nil, collector, nil, config.DefaultConfig(), zap.NewNop())
}

func linearTemplate(id string, steps int) *types.FlowTemplate {
	tpl := &types.FlowTemplate{ID: id, Name: "linear"}
	for i := 1; i <= steps; i++ {
		tpl.Steps = append(tpl.Steps, types.FlowStep{
			ID:             fmt.Sprintf("%s-step%d", id, i),
			TemplateID:     id,
			Order:          i,
			SpeakerRoleRef: fmt.Sprintf("role%d", i),
			TaskType:       types.TaskAnswer,
			ContextScope:   types.ContextScope{Kind: types.ScopeNone},
		})
	}
	return tpl
}

func runningSession(id, templateID string) *types.Session {
	now := time.Now()
	return &types.Session{
		ID:           id,
		Status:       types.SessionRunning,
		TemplateID:   templateID,
		Topic:        "topic",
		CurrentRound: 1,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}
