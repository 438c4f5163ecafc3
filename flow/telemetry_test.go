package flow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiazeyu1987/MRC-sub000/types"
)

func interactionFor(sessionID, stepID string) *types.Interaction {
	return &types.Interaction{
		ID:        stepID + "-i",
		SessionID: sessionID,
		StepID:    stepID,
		Prompt:    "p",
		Response:  "r",
		StartedAt: time.Now(),
	}
}

func TestRecorder_EmptyBeforeFirstStep(t *testing.T) {
	r := NewRecorder(time.Minute, 10)

	_, ok := r.Latest("s1")
	assert.False(t, ok)
	_, ok = r.LatestAny()
	assert.False(t, ok)
	assert.Empty(t, r.History("s1"))
}

func TestRecorder_LatestAndHistory(t *testing.T) {
	r := NewRecorder(time.Minute, 10)
	r.Record(interactionFor("s1", "step1"))
	r.Record(interactionFor("s1", "step2"))

	latest, ok := r.Latest("s1")
	require.True(t, ok)
	assert.Equal(t, "step2", latest.StepID)

	hist := r.History("s1")
	require.Len(t, hist, 2)
	assert.Equal(t, "step1", hist[0].StepID)
	assert.Equal(t, "step2", hist[1].StepID)
}

func TestRecorder_PerSessionIsolation(t *testing.T) {
	r := NewRecorder(time.Minute, 10)
	r.Record(interactionFor("s1", "a1"))
	r.Record(interactionFor("s2", "b1"))
	r.Record(interactionFor("s1", "a2"))

	l1, ok := r.Latest("s1")
	require.True(t, ok)
	assert.Equal(t, "a2", l1.StepID)

	l2, ok := r.Latest("s2")
	require.True(t, ok)
	assert.Equal(t, "b1", l2.StepID)

	// the global view tracks the most recent record across sessions
	any, ok := r.LatestAny()
	require.True(t, ok)
	assert.Equal(t, "a2", any.StepID)
}

func TestRecorder_HistoryRingBounded(t *testing.T) {
	r := NewRecorder(time.Minute, 3)
	for i := 1; i <= 5; i++ {
		r.Record(interactionFor("s1", fmt.Sprintf("step%d", i)))
	}

	hist := r.History("s1")
	require.Len(t, hist, 3)
	assert.Equal(t, "step3", hist[0].StepID)
	assert.Equal(t, "step5", hist[2].StepID)
}

func TestRecorder_TTLExpiry(t *testing.T) {
	r := NewRecorder(20*time.Millisecond, 10)
	r.Record(interactionFor("s1", "step1"))

	_, ok := r.Latest("s1")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = r.Latest("s1")
	assert.False(t, ok)
	_, ok = r.LatestAny()
	assert.False(t, ok)
}
