package observability

import (
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := promclient.NewRegistry()
	m, err := NewMetrics("test", reg)
	require.NoError(t, err)

	m.LLMCall("generation", "ok", 2, 150*time.Millisecond, 0.001)
	m.LLMCall("generation", "error", 3, time.Second, 0)
	m.StageTransition("transitioned")
	m.CacheSoftFailure("conversation")
	m.CacheSoftFailure("conversation")
	m.Turn("ok", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("generation", "ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.llmAttempts.WithLabelValues("generation")))
	assert.InDelta(t, 0.001, testutil.ToFloat64(m.llmCost.WithLabelValues("generation")), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageSelections.WithLabelValues("transitioned")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheSoftFailures.WithLabelValues("conversation")))
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := promclient.NewRegistry()
	first, err := NewMetrics("test", reg)
	require.NoError(t, err)
	second, err := NewMetrics("test", reg)
	require.NoError(t, err)

	second.StageTransition("retained")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.stageSelections.WithLabelValues("retained")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LLMCall("selection", "ok", 1, time.Millisecond, 0)
	m.StageTransition("retained")
	m.CacheSoftFailure("template")
	m.Turn("ok", time.Millisecond)
}
