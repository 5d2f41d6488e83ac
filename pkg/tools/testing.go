package tools

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TestTool pairs an SDK tool definition with its handler, for in-memory
// provider servers used by tests.
type TestTool struct {
	Tool    *mcpsdk.Tool
	Handler mcpsdk.ToolHandler
}

// NewInMemoryDialer returns a Dialer backed by in-process MCP servers, one
// per provider URL. Each dial spins up fresh in-memory transports so
// consecutive sessions are independent, mirroring the per-call sessions the
// real dialer creates.
func NewInMemoryDialer(servers map[string][]TestTool) Dialer {
	return func(ctx context.Context, url string) (ToolSession, error) {
		testTools, ok := servers[url]
		if !ok {
			return nil, fmt.Errorf("no in-memory server for %q", url)
		}

		server := mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "in-memory-provider",
			Version: "test",
		}, nil)
		for _, tt := range testTools {
			server.AddTool(tt.Tool, tt.Handler)
		}

		clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
		runCtx, cancel := context.WithCancel(context.Background())
		go func() { _ = server.Run(runCtx, serverTransport) }()

		client := mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    "in-memory-client",
			Version: "test",
		}, nil)
		session, err := client.Connect(ctx, clientTransport, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		return &sdkSession{session: session, cleanup: cancel}, nil
	}
}

// StaticTextHandler returns a handler that always responds with text.
func StaticTextHandler(text string) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil
	}
}

// FailingHandler returns a handler that always fails at the transport level.
func FailingHandler(err error) mcpsdk.ToolHandler {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return nil, err
	}
}
