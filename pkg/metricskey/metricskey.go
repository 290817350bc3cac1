package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsAgentIterationLimit is base for counter metric for total agent cycles stopped by the iteration bound
	StatsAgentIterationLimit = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_agent_iteration_limit",
		Help:         "stats_agent_iteration_limit provides total agent cycles stopped by the iteration bound",
		RequiredTags: []string{"backend"},
	}

	StatsAgentIterations = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_agent_iterations",
		Help:         "stats_agent_iterations provides total agent reasoning iterations",
		RequiredTags: []string{"backend"},
	}

	StatsBackendCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_backend_calls_failed",
		Help:         "stats_backend_calls_failed provides total failed reasoning backend calls",
		RequiredTags: []string{"backend", "model"},
	}

	StatsBackendCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_backend_calls_succeeded",
		Help:         "stats_backend_calls_succeeded provides total succeeded reasoning backend calls",
		RequiredTags: []string{"backend", "model"},
	}

	// StatsDiscoveryFailed is base for counter metric for total servers excluded from discovery
	StatsDiscoveryFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_discovery_failed",
		Help:         "stats_discovery_failed provides total servers excluded from discovery",
		RequiredTags: []string{"server"},
	}

	StatsLLMInputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_input_tokens",
		Help:         "stats_llm_input_tokens provides total input tokens sent to LLM",
		RequiredTags: []string{"backend", "model"},
	}

	// StatsLLMOutputTokens is base for counter metric for total output tokens received from LLM
	StatsLLMOutputTokens = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_output_tokens",
		Help:         "stats_llm_output_tokens provides total output tokens received from LLM",
		RequiredTags: []string{"backend", "model"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total failed tool calls",
		RequiredTags: []string{"tool", "kind"},
	}

	// StatsToolCallsNotFound is base for counter metric for total calls to tools not in the toolset
	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total calls to tools not in the toolset",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsRetried = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_retried",
		Help:         "stats_tool_calls_retried provides total retried tool calls",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total succeeded tool calls",
		RequiredTags: []string{"tool", "server"},
	}

	StatsToolNameCollisions = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_name_collisions",
		Help:         "stats_tool_name_collisions provides total tools shadowed by an earlier server",
		RequiredTags: []string{"tool"},
	}
)

// Perf
var (
	// PerfAgentRun is base for sample metric for the duration of one agent reasoning cycle
	PerfAgentRun = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_agent_run",
		Help:         "perf_agent_run provides the duration of one agent reasoning cycle",
		RequiredTags: []string{"backend"},
	}

	PerfBackendCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_backend_call",
		Help:         "perf_backend_call provides the duration of a reasoning backend call",
		RequiredTags: []string{"backend", "model"},
	}

	PerfDiscovery = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_discovery",
		Help:         "perf_discovery provides the duration of catalog discovery per server",
		RequiredTags: []string{"server"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides the duration of a tool call",
		RequiredTags: []string{"tool", "server"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
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
