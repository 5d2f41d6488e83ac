package tools

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sqlinsight/engine/pkg/version"
)

// ToolSession is one connected MCP session against a provider. Sessions are
// short-lived: the manager opens one per discovery pass or per tool call and
// closes it afterwards.
type ToolSession interface {
	ListTools(ctx context.Context) ([]*mcpsdk.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error)
	Close() error
}

// Dialer opens a ToolSession against a provider URL. The default dials the
// provider's SSE endpoint; tests substitute an in-memory dialer.
type Dialer func(ctx context.Context, url string) (ToolSession, error)

// DialSSE connects to a provider over its SSE streaming endpoint, bounded by
// InitTimeout.
func DialSSE(ctx context.Context, url string) (ToolSession, error) {
	transport := &mcpsdk.SSEClientTransport{Endpoint: url}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.Version,
	}, nil)

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to provider %q: %w", url, err)
	}
	return &sdkSession{session: session}, nil
}

type sdkSession struct {
	session *mcpsdk.ClientSession
	cleanup func()
}

func (s *sdkSession) ListTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ListToolsTimeout)
	defer cancel()
	result, err := s.session.ListTools(opCtx, nil)
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, CallToolTimeout)
	defer cancel()
	return s.session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
}

func (s *sdkSession) Close() error {
	err := s.session.Close()
	if s.cleanup != nil {
		s.cleanup()
	}
	return err
}

// extractText concatenates the text content items of a call_tool result.
// Non-text content is ignored.
func extractText(result *mcpsdk.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
