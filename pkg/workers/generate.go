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

// GenerateWorker consumes Initiated messages, runs the gatekeeper/SQL-writer
// agent, and either publishes a Generated message, terminates the saga as out
// of scope, or terminates it as an error.
type GenerateWorker struct {
	deps   Deps
	logger *slog.Logger
}

// NewGenerateWorker creates the generate-step worker.
func NewGenerateWorker(deps Deps) *GenerateWorker {
	return &GenerateWorker{deps: deps, logger: slog.Default().With("consumer", llm.TaskGenerate)}
}

// Handle processes one Initiated message body.
func (w *GenerateWorker) Handle(ctx context.Context, body []byte) broker.Outcome {
	start := time.Now()
	defer func() {
		metrics.ConsumerDuration.WithLabelValues(llm.TaskGenerate).Observe(time.Since(start).Seconds())
	}()

	var msg saga.InitiatedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("Discarding undecodable message", "error", err)
		w.count("invalid")
		return broker.NackDiscard
	}
	logger := w.logger.With("saga_id", msg.SagaID)

	// run_query is withheld from the generator so SQL cannot be executed
	// before the execute step.
	defs := w.deps.Tools.Definitions(ctx, "run_query")
	ambient := tools.Ambient{DBURL: msg.DBConfig.URL(), AccountID: msg.AccountID}
	exec := func(ctx context.Context, name string, args map[string]any) string {
		return w.deps.Tools.Call(ctx, name, args, ambient, &msg.Envelope)
	}

	resp, err := w.deps.LLM.RunAgent(ctx, llm.Request{
		Task:   llm.TaskGenerate,
		System: generateSystemPrompt,
		Prompt: buildGeneratePrompt(msg.Question),
		Tools:  toLLMTools(defs),
	}, exec)
	if err != nil {
		logger.Error("SQL generation failed", "error", err)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepGenerate, err.Error(), "", time.Since(start), nil)
		w.count("error")
		return broker.NackDiscard
	}
	w.recordUsage(resp)

	parsed := ParseGeneratorResponse(resp.Text)
	if IsOutOfScope(parsed, resp.Text) {
		reasoning := parsed.Reasoning
		if reasoning == "" {
			reasoning = "The question cannot be answered from the data available in your database."
		}
		logger.Info("Question classified out of scope", "reasoning", reasoning)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepGenerate, "question out of scope", consultantDisclaimer+reasoning,
			time.Since(start), map[string]any{
				"decision":  parsed.Decision,
				"reasoning": reasoning,
				"tokens":    tokenMetadata(resp.Usage),
			})
		w.count("out_of_scope")
		return broker.Ack
	}

	msg.PushStep(StepGenerate, time.Since(start), saga.StatusSuccess, map[string]any{
		"generated_sql": parsed.SQL,
		"reasoning":     parsed.Reasoning,
		"used_tables":   parsed.UsedTables,
		"tokens":        tokenMetadata(resp.Usage),
	})

	if err := w.deps.State.UpdateResult(ctx, msg.SagaID, map[string]any{
		"generated_sql": parsed.SQL,
		"reasoning":     parsed.Reasoning,
		"call_stack":    msg.CallStack,
	}, ""); err != nil {
		// Non-fatal: callers polling see stale progress until the next write.
		logger.Warn("State update failed after generation", "error", err)
	}

	next := saga.GeneratedMessage{
		Envelope:     msg.Envelope,
		GeneratedSQL: parsed.SQL,
		Reasoning:    parsed.Reasoning,
		UsedTables:   parsed.UsedTables,
		DBConfig:     msg.DBConfig,
	}
	if err := w.deps.Publisher.Publish(ctx, broker.QueueExecute, next, headersFor(&msg.Envelope)); err != nil {
		logger.Error("Failed to publish generated message", "error", err)
		storeSagaError(ctx, w.deps.State, w.deps.Publisher, &msg.Envelope,
			StepGenerate, "failed to publish generated query: "+err.Error(), "",
			time.Since(start), nil)
		w.count("error")
		return broker.NackDiscard
	}

	logger.Info("SQL generated", "sql", parsed.SQL, "tool_calls", resp.ToolCalls)
	w.count("success")
	return broker.Ack
}

func (w *GenerateWorker) count(status string) {
	metrics.ConsumerMessages.WithLabelValues(llm.TaskGenerate, status, w.deps.Instance).Inc()
}

func (w *GenerateWorker) recordUsage(resp llm.Response) {
	metrics.LLMTokens.WithLabelValues(llm.TaskGenerate, "input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokens.WithLabelValues(llm.TaskGenerate, "output").Add(float64(resp.Usage.OutputTokens))
}
