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

// FormatWorker consumes Executed messages, produces the business-grade
// narrative, and writes the terminal completed state. This is the last step
// of a successful saga.
type FormatWorker struct {
	deps   Deps
	logger *slog.Logger
}

// NewFormatWorker creates the format-step worker.
func NewFormatWorker(deps Deps) *FormatWorker {
	return &FormatWorker{deps: deps, logger: slog.Default().With("consumer", llm.TaskFormat)}
}

// Handle processes one Executed message body.
func (w *FormatWorker) Handle(ctx context.Context, body []byte) broker.Outcome {
	start := time.Now()
	defer func() {
		metrics.ConsumerDuration.WithLabelValues(llm.TaskFormat).Observe(time.Since(start).Seconds())
	}()

	var msg saga.ExecutedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("Discarding undecodable message", "error", err)
		w.count("invalid")
		return broker.NackDiscard
	}
	logger := w.logger.With("saga_id", msg.SagaID)

	defs := w.deps.Tools.Definitions(ctx, "run_query")
	ambient := tools.Ambient{AccountID: msg.AccountID}
	exec := func(ctx context.Context, name string, args map[string]any) string {
		return w.deps.Tools.Call(ctx, name, args, ambient, &msg.Envelope)
	}

	var formatted string
	var usage llm.Usage
	resp, err := w.deps.LLM.RunAgent(ctx, llm.Request{
		Task:   llm.TaskFormat,
		System: formatSystemPrompt,
		Prompt: buildFormatPrompt(msg.Question, msg.GeneratedSQL, msg.RawResults),
		Tools:  toLLMTools(defs),
	}, exec)
	if err != nil {
		// The data is already in hand; degrade to the raw results rather
		// than failing the saga at the last step.
		logger.Warn("Formatting LLM call failed, using raw results", "error", err)
		formatted = "Here are the findings from your data:\n\n" + msg.RawResults
	} else {
		formatted = ExtractExecutiveSummary(resp.Text)
		usage = resp.Usage
		w.recordUsage(resp)
	}

	msg.PushStep(StepFormat, time.Since(start), saga.StatusSuccess, map[string]any{
		"tokens": tokenMetadata(usage),
	})

	totalDuration, totalTokens := callStackTotals(msg.CallStack)
	doc := map[string]any{
		"success":            true,
		"saga_id":            msg.SagaID,
		"question":           msg.Question,
		"generated_sql":      msg.GeneratedSQL,
		"raw_results":        msg.RawResults,
		"formatted_response": formatted,
		"call_stack":         msg.CallStack,
		"all_tool_calls":     msg.AllToolCalls,
		"total_duration_ms":  totalDuration,
		"total_tokens":       totalTokens,
		"user_id":            msg.UserID,
		"account_id":         msg.AccountID,
	}
	if err := w.deps.State.StoreResult(ctx, msg.SagaID, doc, saga.SagaCompleted); err != nil {
		// Redelivery will rewrite the same terminal document.
		logger.Error("Failed to store terminal completed state", "error", err)
	}

	logger.Info("Saga completed", "total_duration_ms", totalDuration, "total_tokens", totalTokens)
	w.count("success")
	return broker.Ack
}

func (w *FormatWorker) count(status string) {
	metrics.ConsumerMessages.WithLabelValues(llm.TaskFormat, status, w.deps.Instance).Inc()
}

func (w *FormatWorker) recordUsage(resp llm.Response) {
	metrics.LLMTokens.WithLabelValues(llm.TaskFormat, "input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues(llm.TaskFormat, "output").Add(float64(resp.Usage.OutputTokens))
}
