package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/llm"
	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/tools"
)

// ExecuteWorker consumes Generated messages and runs the SQL against the
// user's database through the run_query tool. The LLM acts as a thin
// executor so the invocation shows up in the same tool-call audit trail as
// every other capability use.
type ExecuteWorker struct {
	deps   Deps
	logger *slog.Logger
}

// NewExecuteWorker creates the execute-step worker.
func NewExecuteWorker(deps Deps) *ExecuteWorker {
	return &ExecuteWorker{deps: deps, logger: slog.Default().With("consumer", llm.TaskExecute)}
}

// Handle processes one Generated message body.
func (w *ExecuteWorker) Handle(ctx context.Context, body []byte) broker.Outcome {
	start := time.Now()
	defer func() {
		metrics.ConsumerDuration.WithLabelValues(llm.TaskExecute).Observe(time.Since(start).Seconds())
	}()

	var msg saga.GeneratedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("Discarding undecodable message", "error", err)
		w.count("invalid")
		return broker.NackDiscard
	}
	logger := w.logger.With("saga_id", msg.SagaID)

	// The executor sees exactly one tool: run_query.
	defs := onlyTools(w.deps.Tools.Definitions(ctx), "run_query")
	ambient := tools.Ambient{DBURL: msg.DBConfig.URL(), AccountID: msg.AccountID}
	exec := func(ctx context.Context, name string, args map[string]any) string {
		return w.deps.Tools.Call(ctx, name, args, ambient, &msg.Envelope)
	}

	resp, err := w.deps.LLM.RunAgent(ctx, llm.Request{
		Task:   llm.TaskExecute,
		System: executeSystemPrompt,
		Prompt: buildExecutePrompt(msg.GeneratedSQL),
		Tools:  toLLMTools(defs),
	}, exec)
	if err != nil {
		logger.Error("Query execution failed", "error", err)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepExecute, err.Error(), "", time.Since(start), nil)
		w.count("error")
		return broker.NackDiscard
	}
	w.recordUsage(resp)

	parsed := ParseExecutorResponse(resp.Text)
	if !parsed.Success {
		logger.Info("Query failed against user database", "error", parsed.Error)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepExecute, parsed.Error,
			"I was unable to run the generated query against your database. "+parsed.Error,
			time.Since(start), map[string]any{
				"generated_sql": msg.GeneratedSQL,
				"tokens":        tokenMetadata(resp.Usage),
			})
		w.count("execution_failed")
		// The message itself was processed; the failure is the saga's outcome.
		return broker.Ack
	}

	msg.PushStep(StepExecute, time.Since(start), saga.StatusSuccess, map[string]any{
		"execution_success": true,
		"tokens":            tokenMetadata(resp.Usage),
	})

	if err := w.deps.State.UpdateResult(ctx, msg.SagaID, map[string]any{
		"generated_sql": msg.GeneratedSQL,
		"raw_results":   parsed.Results,
		"call_stack":    msg.CallStack,
	}, ""); err != nil {
		logger.Warn("State update failed after execution", "error", err)
	}

	next := saga.ExecutedMessage{
		Envelope:         msg.Envelope,
		GeneratedSQL:     msg.GeneratedSQL,
		RawResults:       parsed.Results,
		ExecutionSuccess: true,
	}
	if err := w.deps.Publisher.Publish(ctx, broker.QueueFormat, next, headersFor(&msg.Envelope)); err != nil {
		logger.Error("Failed to publish executed message", "error", err)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepExecute, "failed to publish execution result: "+err.Error(), "",
			time.Since(start), nil)
		w.count("error")
		return broker.NackDiscard
	}

	logger.Info("Query executed", "tool_calls", resp.ToolCalls)
	w.count("success")
	return broker.Ack
}

func (w *ExecuteWorker) count(status string) {
	metrics.ConsumerMessages.WithLabelValues(llm.TaskExecute, status, w.deps.Instance).Inc()
}

func (w *ExecuteWorker) recordUsage(resp llm.Response) {
	metrics.LLMTokens.WithLabelValues(llm.TaskExecute, "input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues(llm.TaskExecute, "output").Add(float64(resp.Usage.OutputTokens))
}
