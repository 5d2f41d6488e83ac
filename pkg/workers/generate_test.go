package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/llm"
	"github.com/sqlinsight/engine/pkg/saga"
)

func TestGenerateWorker_Success(t *testing.T) {
	client := &scriptedLLM{responses: map[string]llm.Response{
		llm.TaskGenerate: {
			Text: "DECISION: IN_SCOPE\nREASONING: orders table has the data\n" +
				"SQL: SELECT COUNT(*) FROM orders;\nUSED_TABLES: orders",
			Usage: llm.Usage{InputTokens: 100, OutputTokens: 20},
		},
	}}
	pub := &recordingPublisher{}
	deps := testDeps(t, client, pub)
	w := NewGenerateWorker(deps)
	ctx := context.Background()

	outcome := w.Handle(ctx, initiatedBody(t))
	assert.Equal(t, broker.Ack, outcome)

	msgs := pub.byQueue(broker.QueueExecute)
	require.Len(t, msgs, 1)
	next := msgs[0].body.(saga.GeneratedMessage)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", next.GeneratedSQL)
	assert.Equal(t, []string{"orders"}, next.UsedTables)
	assert.Equal(t, "saga-1", msgs[0].headers.SagaID)
	assert.Equal(t, int64(7), msgs[0].headers.UserID)

	// The successor message carries the appended call-stack entry.
	require.Len(t, next.CallStack, 1)
	assert.Equal(t, StepGenerate, next.CallStack[0].StepName)

	// Progress is visible to pollers; no terminal state yet.
	status, err := deps.State.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.SagaPending, status)
	result, err := deps.State.GetResult(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", result["generated_sql"])
}

func TestGenerateWorker_WithholdsRunQuery(t *testing.T) {
	client := &scriptedLLM{responses: map[string]llm.Response{
		llm.TaskGenerate: {Text: "DECISION: IN_SCOPE\nSQL: SELECT 1\nUSED_TABLES: t"},
	}}
	pub := &recordingPublisher{}
	w := NewGenerateWorker(testDeps(t, client, pub))

	w.Handle(context.Background(), initiatedBody(t))

	require.Len(t, client.requests, 1)
	for _, tool := range client.requests[0].Tools {
		assert.NotEqual(t, "run_query", tool.Name)
	}
}

func TestGenerateWorker_OutOfScope(t *testing.T) {
	client := &scriptedLLM{responses: map[string]llm.Response{
		llm.TaskGenerate: {
			Text: "DECISION: OUT_OF_SCOPE\nREASONING: The database has no weather data.\nSQL: NONE\nUSED_TABLES: NONE",
		},
	}}
	pub := &recordingPublisher{}
	deps := testDeps(t, client, pub)
	w := NewGenerateWorker(deps)
	ctx := context.Background()

	outcome := w.Handle(ctx, initiatedBody(t))
	assert.Equal(t, broker.Ack, outcome)

	// Nothing flows downstream; the saga terminates here.
	assert.Empty(t, pub.byQueue(broker.QueueExecute))
	require.Len(t, pub.byQueue(broker.QueueError), 1)

	status, err := deps.State.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.SagaError, status)

	result, err := deps.State.GetResult(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "question out of scope", result["error_message"])
	formatted := result["formatted_response"].(string)
	assert.Contains(t, formatted, "Senior Business Intelligence Consultant")
	assert.Contains(t, formatted, "The database has no weather data.")
}

func TestGenerateWorker_LLMError(t *testing.T) {
	client := &scriptedLLM{errs: map[string]error{
		llm.TaskGenerate: errors.New("api quota exhausted"),
	}}
	pub := &recordingPublisher{}
	deps := testDeps(t, client, pub)
	w := NewGenerateWorker(deps)
	ctx := context.Background()

	outcome := w.Handle(ctx, initiatedBody(t))
	assert.Equal(t, broker.NackDiscard, outcome)

	status, err := deps.State.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.SagaError, status)
	require.Len(t, pub.byQueue(broker.QueueError), 1)
}

func TestGenerateWorker_PublishFailureTerminates(t *testing.T) {
	client := &scriptedLLM{responses: map[string]llm.Response{
		llm.TaskGenerate: {Text: "DECISION: IN_SCOPE\nSQL: SELECT 1\nUSED_TABLES: t"},
	}}
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	deps := testDeps(t, client, pub)
	w := NewGenerateWorker(deps)
	ctx := context.Background()

	outcome := w.Handle(ctx, initiatedBody(t))
	assert.Equal(t, broker.NackDiscard, outcome)

	status, err := deps.State.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.SagaError, status)
}

func TestGenerateWorker_UndecodableBody(t *testing.T) {
	w := NewGenerateWorker(testDeps(t, &scriptedLLM{}, &recordingPublisher{}))
	assert.Equal(t, broker.NackDiscard, w.Handle(context.Background(), []byte("not json")))
}
