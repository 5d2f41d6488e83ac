package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// MockClient is a deterministic offline stand-in for the real model, selected
// by the MOCK_LLM flag. It produces well-formed responses for each task so the
// whole pipeline can run without an API key: the generate task inspects the
// actual list_tables output, the execute task really invokes run_query, and
// the format task summarizes the raw results.
type MockClient struct{}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// RunAgent dispatches on the request's task name.
func (m *MockClient) RunAgent(ctx context.Context, req Request, exec ToolExecutor) (Response, error) {
	var text string
	var toolCalls int
	switch req.Task {
	case TaskGenerate:
		text, toolCalls = m.generate(ctx, req, exec)
	case TaskExecute:
		text, toolCalls = m.execute(ctx, req, exec)
	case TaskFormat:
		text = m.format(req)
	default:
		text = "Error: unknown task " + req.Task
	}
	return Response{
		Text:      text,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  int64(len(req.Prompt) / 4),
			OutputTokens: int64(len(text) / 4),
		},
	}, nil
}

func (m *MockClient) generate(ctx context.Context, req Request, exec ToolExecutor) (string, int) {
	calls := 0
	tablesText := ""
	if hasTool(req.Tools, "list_tables") {
		tablesText = exec(ctx, "list_tables", map[string]any{})
		calls++
	}
	if hasTool(req.Tools, "search_relevant_schema") {
		exec(ctx, "search_relevant_schema", map[string]any{"query": extractSection(req.Prompt, "Question:")})
		calls++
	}

	question := strings.ToLower(extractSection(req.Prompt, "Question:"))
	tables := parseTableNames(tablesText)
	table := matchTable(tables, question)
	if table == "" && len(tables) == 1 {
		table = tables[0]
	}
	if table == "" {
		return "DECISION: OUT_OF_SCOPE\n" +
			"REASONING: The question is not related to any table available in the database.\n" +
			"SQL: NONE\n" +
			"USED_TABLES: none", calls
	}

	if hasTool(req.Tools, "describe_table") {
		exec(ctx, "describe_table", map[string]any{"table_name": table})
		calls++
	}
	sql := fmt.Sprintf("SELECT * FROM %s LIMIT 100", table)
	return fmt.Sprintf("DECISION: RELEVANT\n"+
		"REASONING: The question can be answered from the %s table.\n"+
		"SQL: %s\n"+
		"USED_TABLES: %s", table, sql, table), calls
}

func (m *MockClient) execute(ctx context.Context, req Request, exec ToolExecutor) (string, int) {
	sql := extractSection(req.Prompt, "SQL to execute:")
	// Providers declare the SQL parameter as "query"; any other key is
	// dropped at the binding layer.
	result := exec(ctx, "run_query", map[string]any{"query": sql})
	if strings.HasPrefix(result, "Error:") {
		return "STATUS: FAILED\nERROR: " + strings.TrimSpace(strings.TrimPrefix(result, "Error:")), 1
	}
	return "STATUS: SUCCESS\nRESULTS:\n" + result, 1
}

func (m *MockClient) format(req Request) string {
	results := extractSection(req.Prompt, "Query results:")
	if len(results) > 200 {
		results = results[:200]
	}
	return "EXECUTIVE SUMMARY: The requested data was retrieved successfully. " +
		"Key figures from the results: " + strings.TrimSpace(results)
}

func hasTool(tools []Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// extractSection returns the text following marker up to the next blank line.
func extractSection(prompt, marker string) string {
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(marker):]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

var wordRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// parseTableNames pulls candidate table identifiers out of a list_tables
// response, skipping prose words.
func parseTableNames(text string) []string {
	if text == "" || strings.HasPrefix(text, "Error:") {
		return nil
	}
	skip := map[string]bool{
		"tables": true, "table": true, "in": true, "database": true,
		"the": true, "available": true, "schema": true, "error": true,
	}
	var out []string
	seen := map[string]bool{}
	for _, w := range wordRe.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		if skip[lw] || seen[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, lw)
	}
	return out
}

// matchTable finds a table whose name (or singular form) appears in the
// question.
func matchTable(tables []string, question string) string {
	for _, t := range tables {
		if strings.Contains(question, t) {
			return t
		}
		if singular := strings.TrimSuffix(t, "s"); singular != t && strings.Contains(question, singular) {
			return t
		}
	}
	return ""
}
