package metricskey

import (
	"sort"
	"testing"

	"github.com/effective-security/metrics"
	"github.com/stretchr/testify/assert"
)

func TestMetricsDefinitions(t *testing.T) {
	allMetrics := []*metrics.Describe{
		&PerfAgentRun,
		&PerfBackendCall,
		&PerfDiscovery,
		&PerfToolCall,
		&StatsAgentIterationLimit,
		&StatsAgentIterations,
		&StatsBackendCallsFailed,
		&StatsBackendCallsSucceeded,
		&StatsDiscoveryFailed,
		&StatsLLMInputTokens,
		&StatsLLMOutputTokens,
		&StatsToolCallsFailed,
		&StatsToolCallsNotFound,
		&StatsToolCallsRetried,
		&StatsToolCallsSucceeded,
		&StatsToolNameCollisions,
	}

	for _, m := range allMetrics {
		assert.NotEmpty(t, m.Name, "Metric name should not be empty")
		assert.NotEmpty(t, m.Help, "Metric help text should not be empty")
		assert.NotEmpty(t, m.RequiredTags, "Metric should have required tags")
	}

	assert.Equal(t, len(allMetrics), len(Metrics), "Metrics slice should contain all defined metrics")

	isSorted := sort.SliceIsSorted(Metrics, func(i, j int) bool {
		return Metrics[i].Name < Metrics[j].Name
	})
	assert.True(t, isSorted, "Metrics slice should be sorted by name")

	seen := make(map[string]bool)
	for _, m := range Metrics {
		assert.False(t, seen[m.Name], "Metric name should be unique: %s", m.Name)
		seen[m.Name] = true
	}

	t.Run("tool metrics have tool tag", func(t *testing.T) {
		for _, m := range []*metrics.Describe{
			&StatsToolCallsSucceeded,
			&StatsToolCallsFailed,
			&StatsToolCallsNotFound,
			&StatsToolCallsRetried,
			&StatsToolNameCollisions,
			&PerfToolCall,
		} {
			assert.Contains(t, m.RequiredTags, "tool", "Tool metric should have tool tag: %s", m.Name)
		}
	})
}
