package workers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sqlinsight/engine/pkg/broker"
	"github.com/sqlinsight/engine/pkg/llm"
	"github.com/sqlinsight/engine/pkg/saga"
	"github.com/sqlinsight/engine/pkg/saga/state"
	"github.com/sqlinsight/engine/pkg/tools"
)

// scriptedLLM returns canned responses keyed by task.
type scriptedLLM struct {
	responses map[string]llm.Response
	errs      map[string]error
	requests  []llm.Request
}

func (s *scriptedLLM) RunAgent(_ context.Context, req llm.Request, _ llm.ToolExecutor) (llm.Response, error) {
	s.requests = append(s.requests, req)
	if err, ok := s.errs[req.Task]; ok {
		return llm.Response{}, err
	}
	return s.responses[req.Task], nil
}

// fakeTools serves a fixed catalog and canned call results.
type fakeTools struct {
	defs    []tools.Descriptor
	results map[string]string
}

func (f *fakeTools) Definitions(_ context.Context, exclude ...string) []tools.Descriptor {
	excluded := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		excluded[n] = true
	}
	out := make([]tools.Descriptor, 0, len(f.defs))
	for _, d := range f.defs {
		if !excluded[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeTools) Call(_ context.Context, name string, _ map[string]any, _ tools.Ambient, env *saga.Envelope) string {
	result, ok := f.results[name]
	if !ok {
		result = "Error: unknown tool: " + name
	}
	if env != nil {
		env.AddToolCall(saga.ToolCall{Tool: name, Response: result})
	}
	return result
}

// recordingPublisher captures published messages by queue.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
}

type publishedMessage struct {
	queue   string
	body    any
	headers broker.Headers
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, body any, hdr broker.Headers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{queue: queue, body: body, headers: hdr})
	return nil
}

func (p *recordingPublisher) byQueue(queue string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.published {
		if m.queue == queue {
			out = append(out, m)
		}
	}
	return out
}

func newTestState(t *testing.T) *state.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return state.New(rdb)
}

func testDeps(t *testing.T, llmClient llm.Client, pub *recordingPublisher) Deps {
	t.Helper()
	return Deps{
		LLM: llmClient,
		Tools: &fakeTools{
			defs: []tools.Descriptor{
				{Name: "list_tables"},
				{Name: "run_query"},
			},
			results: map[string]string{
				"list_tables": "users, orders",
				"run_query":   "count\n42",
			},
		},
		State:     newTestState(t),
		Publisher: pub,
		Instance:  "test",
	}
}

func initiatedBody(t *testing.T) []byte {
	t.Helper()
	msg := saga.InitiatedMessage{
		Envelope: saga.Envelope{
			SagaID:    "saga-1",
			UserID:    7,
			AccountID: "acct-1",
			Question:  "How many orders last month?",
		},
		DBConfig: saga.DBConfig{
			Host: "db", Port: 5432, Database: "sales", User: "u", Password: "p",
		},
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func generatedBody(t *testing.T) []byte {
	t.Helper()
	msg := saga.GeneratedMessage{
		Envelope: saga.Envelope{
			SagaID:    "saga-1",
			UserID:    7,
			AccountID: "acct-1",
			Question:  "How many orders last month?",
		},
		GeneratedSQL: "SELECT COUNT(*) FROM orders",
		DBConfig:     saga.DBConfig{Host: "db", Port: 5432, Database: "sales", User: "u", Password: "p"},
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func executedBody(t *testing.T) []byte {
	t.Helper()
	msg := saga.ExecutedMessage{
		Envelope: saga.Envelope{
			SagaID:    "saga-1",
			UserID:    7,
			AccountID: "acct-1",
			Question:  "How many orders last month?",
		},
		GeneratedSQL:     "SELECT COUNT(*) FROM orders",
		RawResults:       "count\n42",
		ExecutionSuccess: true,
	}
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}
