// Package llm abstracts the large-language-model client behind a tool-calling
// agent interface, with a Gemini implementation and a deterministic mock for
// offline mode.
package llm

import "context"

// Task names identify the calling step worker; they select mock behavior and
// label LLM metrics.
const (
	TaskGenerate = "generate_query"
	TaskExecute  = "execute_query"
	TaskFormat   = "format_result"
)

// Tool is a function declaration offered to the model. Parameters is a
// JSON-schema map ({"type":"object","properties":{...}}).
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage accumulates token counts over one agentic run.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Request describes one agentic LLM run.
type Request struct {
	// Task is the calling worker's task name (TaskGenerate etc.).
	Task string

	// Model overrides the client's default model when non-empty.
	Model string

	// System is the system instruction.
	System string

	// Prompt is the user turn.
	Prompt string

	// Tools are the functions the model may call.
	Tools []Tool

	// MaxIterations bounds the tool-calling loop. Zero selects the default.
	MaxIterations int
}

// Response is the final outcome of an agentic run.
type Response struct {
	// Text is the model's final textual answer.
	Text string

	// Usage totals tokens across all iterations.
	Usage Usage

	// ToolCalls counts tool invocations the model requested.
	ToolCalls int
}

// ToolExecutor runs one tool call on behalf of the model and returns its
// textual result. Failures come back in-band as "Error: <reason>" strings.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) string

// Client runs agentic completions: the model may call tools through exec any
// number of times before producing its final text.
type Client interface {
	RunAgent(ctx context.Context, req Request, exec ToolExecutor) (Response, error)
}

// DefaultMaxIterations bounds the tool-calling loop when the request does not.
const DefaultMaxIterations = 10
