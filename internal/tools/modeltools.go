package tools

import (
	"fmt"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
)

// SpecsForModel builds the routed parameter list for one model tool.
// Capability-gated knobs (reasoning effort, thinking budget) only appear
// on models that honor them.
func SpecsForModel(m catalog.Model) []ParamSpec {
	specs := []ParamSpec{
		{
			Name: "instructions", Type: TypeString, Route: RoutePrompt, Required: true,
			Description: "The task for the model.",
		},
		{
			Name: "output_format", Type: TypeString, Route: RoutePrompt,
			Description: "Optional description of the desired response shape.",
		},
		{
			Name: "context", Type: TypeStringArray, Route: RoutePrompt,
			DefaultFactory: func() any { return []string{} },
			Description:    "Files and directories to make available to the model.",
		},
		{
			Name: "priority_context", Type: TypeStringArray, Route: RoutePrompt,
			DefaultFactory: func() any { return []string{} },
			Description:    "Files that must be shown inline, ahead of everything else.",
		},
		{
			Name: "session_id", Type: TypeString, Route: RouteSession, Required: true,
			Description: "Conversation id; reuse it to continue a prior exchange.",
		},
		{
			Name: "vector_store_ids", Type: TypeStringArray, Route: RouteVectorStoreIDs,
			Description: "Extra vector stores to expose to attachment search.",
		},
		{
			Name: "disable_memory_record", Type: TypeBoolean, Route: RouteSession, Default: false,
			Description: "Skip recording this exchange in project memory.",
		},
		{
			Name: "temperature", Type: TypeNumber, Route: RouteAdapter,
			Description: "Sampling temperature.",
		},
	}
	if m.ReasoningEffort {
		specs = append(specs, ParamSpec{
			Name: "reasoning_effort", Type: TypeString, Route: RouteAdapter,
			Description: "Reasoning effort: low, medium, or high.",
		})
	}
	if m.ThinkingBudget {
		specs = append(specs, ParamSpec{
			Name: "thinking_budget", Type: TypeInteger, Route: RouteAdapter,
			Description: "Token budget for the model's internal reasoning.",
		})
	}
	return specs
}

// DescribeModel is the MCP-facing tool description for a model tool.
func DescribeModel(m catalog.Model) string {
	return fmt.Sprintf("%s Context window: %d tokens.", m.Description, m.ContextWindow)
}
