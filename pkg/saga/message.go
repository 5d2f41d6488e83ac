// Package saga defines the message envelope carried between pipeline steps
// and the step-specific payloads built on top of it.
package saga

import (
	"fmt"
	"time"
)

// Step status values recorded in the call stack.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Saga terminal/progress states as stored in the state store.
const (
	SagaPending   = "pending"
	SagaCompleted = "completed"
	SagaError     = "error"
)

// ToolCall records a single tool invocation made on behalf of a step.
// Arguments and Response are sanitized to JSON-safe values before the record
// is attached to an envelope.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments"`
	Response   any            `json:"response"`
	DurationMS int64          `json:"duration_ms"`
	Status     string         `json:"status"`
	Timestamp  string         `json:"timestamp"`
}

// CallStackEntry is one completed step in a saga's execution trace.
type CallStackEntry struct {
	StepName   string         `json:"step_name"`
	Timestamp  string         `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Envelope is the common payload carried by every inter-step message.
// CallStack and AllToolCalls are append-only: each worker copies the
// predecessor's slices into the successor message and appends its own entry.
//
// PendingToolCalls holds tool calls attributed to the step currently
// executing; they are drained into the next CallStackEntry's metadata when
// the step completes. The pending list is process-local and never serialized.
type Envelope struct {
	SagaID    string `json:"saga_id"`
	UserID    int64  `json:"user_id"`
	AccountID string `json:"account_id"`
	Question  string `json:"question"`

	CallStack    []CallStackEntry `json:"call_stack"`
	AllToolCalls []ToolCall       `json:"all_tool_calls"`

	PendingToolCalls []ToolCall `json:"-"`
}

// AddToolCall appends a tool invocation record to both the pending list for
// the current step and the cumulative saga-wide list.
func (e *Envelope) AddToolCall(tc ToolCall) {
	e.PendingToolCalls = append(e.PendingToolCalls, tc)
	e.AllToolCalls = append(e.AllToolCalls, tc)
}

// PushStep appends a completed step to the call stack, draining any pending
// tool calls into the entry's metadata under "tools_used".
func (e *Envelope) PushStep(step string, duration time.Duration, status string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if len(e.PendingToolCalls) > 0 {
		used := make([]ToolCall, len(e.PendingToolCalls))
		copy(used, e.PendingToolCalls)
		metadata["tools_used"] = used
		e.PendingToolCalls = nil
	}
	e.CallStack = append(e.CallStack, CallStackEntry{
		StepName:   step,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		DurationMS: duration.Milliseconds(),
		Status:     status,
		Metadata:   metadata,
	})
}

// DBConfig describes the user-owned database a saga runs against.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	Dialect  string `json:"dialect"`
}

// URL renders the connection descriptor as a driver URL, suitable for the
// db_url ambient parameter expected by database tool providers.
func (c DBConfig) URL() string {
	dialect := c.Dialect
	if dialect == "" {
		dialect = "postgresql"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", dialect, c.User, c.Password, c.Host, c.Port, c.Database)
}

// InitiatedMessage starts a saga; produced by the HTTP submitter.
type InitiatedMessage struct {
	Envelope
	DBConfig DBConfig `json:"db_config"`
}

// GeneratedMessage carries the SQL produced by the generate step.
type GeneratedMessage struct {
	Envelope
	GeneratedSQL string   `json:"generated_sql"`
	Reasoning    string   `json:"reasoning"`
	UsedTables   []string `json:"used_tables,omitempty"`
	DBConfig     DBConfig `json:"db_config"`
}

// ExecutedMessage carries the raw results of running the generated SQL.
type ExecutedMessage struct {
	Envelope
	GeneratedSQL     string `json:"generated_sql"`
	RawResults       string `json:"raw_results"`
	ExecutionSuccess bool   `json:"execution_success"`
	ExecutionError   string `json:"execution_error,omitempty"`
}

// FormattedMessage is the terminal success payload.
type FormattedMessage struct {
	Envelope
	FormattedResponse string `json:"formatted_response"`
	Reasoning         string `json:"reasoning,omitempty"`
	Success           bool   `json:"success"`
}

// ErrorMessage is the terminal failure payload, published to the error queue.
type ErrorMessage struct {
	Envelope
	ErrorStep    string         `json:"error_step"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}
