package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordsFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("mrc_test", reg)

	c.RecordStep("ask", "ok", 250*time.Millisecond)
	c.RecordCompletion("mock", "ok", time.Second, 120, 40)
	c.RecordRetrieval("kb1", "error")
	c.RecordFallback()
	c.RecordTransition("created", "running")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"mrc_test_steps_total",
		"mrc_test_step_duration_seconds",
		"mrc_test_completions_total",
		"mrc_test_completion_tokens_total",
		"mrc_test_retrievals_total",
		"mrc_test_retrieval_fallbacks_total",
		"mrc_test_session_transitions_total",
	} {
		assert.True(t, names[want], want)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(c.retrievalFallbacks))
}
