package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/saga/state"
)

// storeSagaError terminates a saga: it appends the failed step to the call
// stack, writes the terminal error document, and publishes an ErrorMessage to
// the error queue. State-store and broker failures here are logged, not
// returned; the terminal decision has been made and the caller acks or nacks
// based on the failure kind, not on bookkeeping success.
func storeSagaError(ctx context.Context, st *state.Store, pub Publisher, env *saga.Envelope,
	step, errMsg, formattedResponse string, duration time.Duration, metadata map[string]any) {

	env.PushStep(step, duration, saga.StatusError, metadata)

	if formattedResponse == "" {
		formattedResponse = "I ran into a problem while processing your question. " +
			"Please try again, and contact support if the problem persists."
	}

	doc := map[string]any{
		"success":            false,
		"saga_id":            env.SagaID,
		"error_step":         step,
		"error_message":      errMsg,
		"formatted_response": formattedResponse,
		"call_stack":         env.CallStack,
		"all_tool_calls":     env.AllToolCalls,
		"status":             saga.SagaError,
		"user_id":            env.UserID,
		"account_id":         env.AccountID,
	}

	if err := st.StoreResult(ctx, env.SagaID, doc, saga.SagaError); err != nil {
		slog.Error("Failed to store terminal error state",
			"saga_id", env.SagaID, "step", step, "error", err)
	}

	errMessage := saga.ErrorMessage{
		Envelope:     *env,
		ErrorStep:    step,
		ErrorMessage: errMsg,
	}
	if err := pub.Publish(ctx, broker.QueueError, errMessage, headersFor(env)); err != nil {
		slog.Error("Failed to publish saga error message",
			"saga_id", env.SagaID, "step", step, "error", err)
	}
}
