// Package workers implements the three saga step workers: generate SQL,
// execute it, and format the result. Each worker consumes one queue, invokes
// the LLM through the tool runtime, and either publishes the successor
// message or writes a terminal state.
package workers

import (
	"context"

	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/llm"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/saga/state"
	"github.com/sqlinsight/engine/pkg/tools"
)

// Step names as recorded in call stacks and error documents.
const (
	StepGenerate = "generate_query_agentic"
	StepExecute  = "execute_query_agentic"
	StepFormat   = "format_result_agentic"

	// StepSubmitted is the initial call-stack entry written by the API.
	StepSubmitted = "api_request_received"
)

// Publisher publishes messages to the broker. Satisfied by broker.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queue string, body any, hdr broker.Headers) error
}

// ToolRuntime is the slice of the tool manager the workers need.
// Satisfied by tools.Manager.
type ToolRuntime interface {
	Definitions(ctx context.Context, exclude ...string) []tools.Descriptor
	Call(ctx context.Context, name string, args map[string]any, ambient tools.Ambient, env *saga.Envelope) string
}

// Deps bundles the shared dependencies of all step workers.
type Deps struct {
	LLM       llm.Client
	Tools     ToolRuntime
	State     *state.Store
	Publisher Publisher

	// Instance labels per-replica metrics.
	Instance string
}

func headersFor(env *saga.Envelope) broker.Headers {
	return broker.Headers{
		SagaID:    env.SagaID,
		UserID:    env.UserID,
		AccountID: env.AccountID,
	}
}

// toLLMTools converts exposed descriptors into LLM tool declarations.
func toLLMTools(defs []tools.Descriptor) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.ParametersMap(),
		})
	}
	return out
}

// onlyTools filters descriptors down to the named tools, preserving order.
func onlyTools(defs []tools.Descriptor, names ...string) []tools.Descriptor {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	out := make([]tools.Descriptor, 0, len(names))
	for _, d := range defs {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// tokenMetadata renders an LLM usage count for call-stack metadata.
func tokenMetadata(u llm.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
	}
}

// callStackTotals sums step durations and token counts over a call stack.
func callStackTotals(stack []saga.CallStackEntry) (durationMS int64, tokens int64) {
	for _, entry := range stack {
		durationMS += entry.DurationMS
		meta, ok := entry.Metadata["tokens"].(map[string]any)
		if !ok {
			continue
		}
		tokens += toInt64(meta["input_tokens"]) + toInt64(meta["output_tokens"])
	}
	return durationMS, tokens
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
