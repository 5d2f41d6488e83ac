package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlinsight/engine/pkg/registry"
	"github.com/sqlinsight/engine/pkg/saga"
)

const providerURL = "http://provider:8001/sse"

// newTestRegistry serves a static provider list the manager polls.
func newTestRegistry(t *testing.T, providers []registry.Provider) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(providers))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runQuerySchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"db_url": {"type": "string"}
		},
		"required": ["query", "db_url"]
	}`)
}

func newTestManager(t *testing.T, tools []TestTool) *Manager {
	t.Helper()
	reg := newTestRegistry(t, []registry.Provider{
		{Name: "database-tools", URL: providerURL, Status: registry.StatusHealthy},
	})
	return NewManagerWithDialer(ManagerConfig{RegistryURL: reg.URL},
		NewInMemoryDialer(map[string][]TestTool{providerURL: tools}))
}

func TestManager_RefreshAndDefinitions(t *testing.T) {
	m := newTestManager(t, []TestTool{
		{
			Tool: &mcpsdk.Tool{
				Name:        "run_query",
				Description: "Execute SQL against the saga's database",
				InputSchema: runQuerySchema(),
			},
			Handler: StaticTextHandler("ok"),
		},
		{
			Tool: &mcpsdk.Tool{
				Name:        "list_tables",
				Description: "List tables",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			Handler: StaticTextHandler("users, orders"),
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	defs := m.Definitions(ctx)
	require.Len(t, defs, 2)
	assert.Equal(t, "list_tables", defs[0].Name)
	assert.Equal(t, "run_query", defs[1].Name)

	// The exposed run_query schema hides the ambient db_url parameter.
	assert.NotContains(t, defs[1].InputSchema.Properties, "db_url")
	assert.Equal(t, []string{"query"}, defs[1].InputSchema.Required)
}

func TestManager_DefinitionsExcludes(t *testing.T) {
	m := newTestManager(t, []TestTool{
		{
			Tool:    &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
			Handler: StaticTextHandler("ok"),
		},
		{
			Tool:    &mcpsdk.Tool{Name: "list_tables", InputSchema: json.RawMessage(`{"type":"object"}`)},
			Handler: StaticTextHandler("ok"),
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	defs := m.Definitions(ctx, "run_query")
	require.Len(t, defs, 1)
	assert.Equal(t, "list_tables", defs[0].Name)
}

func TestManager_Call_InjectsAmbientAndRecords(t *testing.T) {
	var gotArgs map[string]any
	m := newTestManager(t, []TestTool{
		{
			Tool: &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
			Handler: func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				_ = json.Unmarshal(req.Params.Arguments, &gotArgs)
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "1 row"}},
				}, nil
			},
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	env := &saga.Envelope{SagaID: "s1"}
	out := m.Call(ctx, "run_query",
		map[string]any{"query": "SELECT 1"},
		Ambient{DBURL: "postgresql://u:p@h:5432/d"}, env)

	assert.Equal(t, "1 row", out)
	assert.Equal(t, "SELECT 1", gotArgs["query"])
	assert.Equal(t, "postgresql://u:p@h:5432/d", gotArgs["db_url"])

	require.Len(t, env.AllToolCalls, 1)
	tc := env.AllToolCalls[0]
	assert.Equal(t, "run_query", tc.Tool)
	assert.Equal(t, saga.StatusSuccess, tc.Status)
	assert.Equal(t, "1 row", tc.Response)
}

func TestManager_Call_UnknownTool(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	out := m.Call(ctx, "no_such_tool", nil, Ambient{}, nil)
	assert.Equal(t, "Error: unknown tool: no_such_tool", out)
}

func TestManager_Call_InBandFailure(t *testing.T) {
	m := newTestManager(t, []TestTool{
		{
			Tool:    &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
			Handler: StaticTextHandler("Error: relation \"ordrs\" does not exist"),
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	env := &saga.Envelope{}
	out := m.Call(ctx, "run_query", map[string]any{"query": "SELECT * FROM ordrs"}, Ambient{}, env)

	assert.Contains(t, out, "Error:")
	require.Len(t, env.AllToolCalls, 1)
	assert.Equal(t, saga.StatusError, env.AllToolCalls[0].Status)
}

func TestManager_Call_ErrorResultWithoutText(t *testing.T) {
	m := newTestManager(t, []TestTool{
		{
			Tool: &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
			Handler: func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return &mcpsdk.CallToolResult{IsError: true}, nil
			},
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	out := m.Call(ctx, "run_query", map[string]any{"query": "SELECT 1"}, Ambient{}, nil)
	assert.Equal(t, "Error: tool reported failure", out)
}

func TestManager_Call_CancelledBudget(t *testing.T) {
	m := newTestManager(t, []TestTool{
		{
			Tool:    &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
			Handler: StaticTextHandler("ok"),
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	out := m.Call(cancelled, "run_query", map[string]any{"query": "SELECT 1"}, Ambient{}, nil)
	assert.Equal(t, "Error: MCP call timed out", out)
}

// hangingSession simulates a provider whose call_tool never answers: every
// CallTool attempt comes back with the per-call deadline error.
type hangingSession struct {
	callAttempts *int32
}

func (s *hangingSession) ListTools(context.Context) ([]*mcpsdk.Tool, error) {
	return []*mcpsdk.Tool{
		{Name: "run_query", InputSchema: runQuerySchema()},
	}, nil
}

func (s *hangingSession) CallTool(context.Context, string, map[string]any) (*mcpsdk.CallToolResult, error) {
	atomic.AddInt32(s.callAttempts, 1)
	return nil, context.DeadlineExceeded
}

func (s *hangingSession) Close() error { return nil }

func TestManager_Call_TimeoutNotRetried(t *testing.T) {
	var attempts int32
	reg := newTestRegistry(t, []registry.Provider{
		{Name: "database-tools", URL: providerURL, Status: registry.StatusHealthy},
	})
	m := NewManagerWithDialer(ManagerConfig{RegistryURL: reg.URL},
		func(context.Context, string) (ToolSession, error) {
			return &hangingSession{callAttempts: &attempts}, nil
		})

	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	// The per-call deadline must surface immediately as the in-band timeout
	// message, without burning further attempts against a hung provider.
	out := m.Call(ctx, "run_query", map[string]any{"query": "SELECT 1"}, Ambient{}, nil)
	assert.Equal(t, "Error: MCP call timed out", out)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestManager_Call_BoundsProviderConcurrency(t *testing.T) {
	var inflight, peak int32
	handler := func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}},
		}, nil
	}

	reg := newTestRegistry(t, []registry.Provider{
		{Name: "database-tools", URL: providerURL, Status: registry.StatusHealthy},
	})
	m := NewManagerWithDialer(ManagerConfig{RegistryURL: reg.URL, SemaphoreWidth: 2},
		NewInMemoryDialer(map[string][]TestTool{
			providerURL: {{
				Tool:    &mcpsdk.Tool{Name: "run_query", InputSchema: runQuerySchema()},
				Handler: handler,
			}},
		}))

	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := m.Call(ctx, "run_query", map[string]any{"query": "SELECT 1"}, Ambient{}, nil)
			assert.Equal(t, "ok", out)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Zero(t, atomic.LoadInt32(&inflight))
}

func TestManager_RefreshDebounce(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		_ = json.NewEncoder(w).Encode([]registry.Provider{})
	}))
	defer srv.Close()

	m := NewManagerWithDialer(ManagerConfig{
		RegistryURL:     srv.URL,
		RefreshDebounce: time.Hour,
	}, NewInMemoryDialer(nil))

	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))
	require.NoError(t, m.Refresh(ctx, false))
	assert.Equal(t, 1, polls)

	require.NoError(t, m.Refresh(ctx, true))
	assert.Equal(t, 2, polls)
}

func TestManager_RefreshSkipsUnhealthyProviders(t *testing.T) {
	reg := newTestRegistry(t, []registry.Provider{
		{Name: "down", URL: "http://down:1/sse", Status: "unhealthy (503)"},
	})
	m := NewManagerWithDialer(ManagerConfig{RegistryURL: reg.URL},
		NewInMemoryDialer(nil))

	ctx := context.Background()
	require.NoError(t, m.Refresh(ctx, true))
	assert.Empty(t, m.Definitions(ctx))
}
