package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiazeyu1987/MRC-sub000/knowledge"
	"github.com/jiazeyu1987/MRC-sub000/types"
)

func fusionUnderTest(registry *knowledge.Registry) *Fusion {
	return NewFusion(registry, nil, nil, 5, zap.NewNop())
}

func knowledgeStep(ids ...string) *types.FlowStep {
	return &types.FlowStep{
		ID:        "step",
		TaskType:  types.TaskAnswer,
		Knowledge: types.KnowledgeConfig{Enabled: true, KnowledgeBaseIDs: ids},
	}
}

func TestFusion_PriorityBeatsConfidence(t *testing.T) {
	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "p1", results: []knowledge.Result{
		{Content: "p1 high", Confidence: 0.9},
		{Content: "p1 low", Confidence: 0.8},
	}}, knowledge.SourceConfig{Priority: 1})
	registry.Register(&stubSource{id: "p2", results: []knowledge.Result{
		{Content: "p2 best", Confidence: 0.95},
	}}, knowledge.SourceConfig{Priority: 2})

	bundle := fusionUnderTest(registry).Retrieve(context.Background(),
		&types.SessionRole{RoleName: "expert"}, knowledgeStep("p1", "p2"), "q")

	require.False(t, bundle.FallbackUsed)
	require.Len(t, bundle.Items, 3)
	// priority-1 items first despite p2's higher confidence
	assert.Equal(t, "p1 high", bundle.Items[0].Content)
	assert.Equal(t, "p1 low", bundle.Items[1].Content)
	assert.Equal(t, "p2 best", bundle.Items[2].Content)
	assert.Equal(t, 2, bundle.Summary.Queried)
	assert.Equal(t, 0, bundle.Summary.Failed)
}

func TestFusion_PerSourceFailureSkipped(t *testing.T) {
	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "ok", results: []knowledge.Result{
		{Content: "good", Confidence: 0.7},
	}}, knowledge.SourceConfig{Priority: 1})
	registry.Register(&stubSource{id: "broken", err: errors.New("connection refused")},
		knowledge.SourceConfig{Priority: 1})

	bundle := fusionUnderTest(registry).Retrieve(context.Background(),
		&types.SessionRole{}, knowledgeStep("ok", "broken"), "q")

	require.False(t, bundle.FallbackUsed)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, "good", bundle.Items[0].Content)
	assert.Equal(t, 1, bundle.Summary.Failed)
}

func TestFusion_AllSourcesFail_Fallback(t *testing.T) {
	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "a", err: errors.New("down")}, knowledge.SourceConfig{})
	registry.Register(&stubSource{id: "b", err: errors.New("down")}, knowledge.SourceConfig{})

	bundle := fusionUnderTest(registry).Retrieve(context.Background(),
		&types.SessionRole{}, knowledgeStep("a", "b"), "q")

	assert.True(t, bundle.FallbackUsed)
	assert.Empty(t, bundle.Items)
	assert.NotEmpty(t, bundle.ErrorMessage)
	assert.Equal(t, 2, bundle.Summary.Failed)
	assert.True(t, bundle.Summary.FallbackUsed)
}

func TestFusion_NoSources_Fallback(t *testing.T) {
	bundle := fusionUnderTest(knowledge.NewRegistry()).Retrieve(context.Background(),
		&types.SessionRole{}, knowledgeStep(), "q")

	assert.True(t, bundle.FallbackUsed)
	assert.Contains(t, bundle.ErrorMessage, "no knowledge sources")
}

func TestFusion_RoleSourcesWhenStepHasNone(t *testing.T) {
	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "role-kb", results: []knowledge.Result{
		{Content: "from role kb", Confidence: 0.6},
	}}, knowledge.SourceConfig{})

	role := &types.SessionRole{KnowledgeBaseIDs: []string{"role-kb"}}
	bundle := fusionUnderTest(registry).Retrieve(context.Background(), role, knowledgeStep(), "q")

	require.Len(t, bundle.Items, 1)
	assert.Equal(t, "from role kb", bundle.Items[0].Content)
}

func TestFusion_TruncatesToMaxItems(t *testing.T) {
	results := make([]knowledge.Result, 8)
	for i := range results {
		results[i] = knowledge.Result{Content: "item", Confidence: float64(i) / 10}
	}
	registry := knowledge.NewRegistry()
	registry.Register(&stubSource{id: "big", results: results}, knowledge.SourceConfig{TopK: 10})

	fusion := NewFusion(registry, nil, nil, 3, zap.NewNop())
	bundle := fusion.Retrieve(context.Background(), &types.SessionRole{}, knowledgeStep("big"), "q")

	assert.Len(t, bundle.Items, 3)
	assert.Equal(t, 3, bundle.Summary.Items)
}
