package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGeneratorResponse_Tagged(t *testing.T) {
	text := `DECISION: IN_SCOPE
REASONING: Revenue is available in the orders table.
SQL: ` + "```sql\nSELECT SUM(total) FROM orders;\n```" + `
USED_TABLES: orders, customers`

	r := ParseGeneratorResponse(text)
	assert.Equal(t, "IN_SCOPE", r.Decision)
	assert.Equal(t, "Revenue is available in the orders table.", r.Reasoning)
	assert.Equal(t, "SELECT SUM(total) FROM orders", r.SQL)
	assert.Equal(t, []string{"orders", "customers"}, r.UsedTables)
}

func TestParseGeneratorResponse_JSONFallback(t *testing.T) {
	text := `Here is the plan:
{"decision":"IN_SCOPE","reasoning":"counts rows","sql":"SELECT COUNT(*) FROM users;","used_tables":["users"]}`

	r := ParseGeneratorResponse(text)
	assert.Equal(t, "IN_SCOPE", r.Decision)
	assert.Equal(t, "SELECT COUNT(*) FROM users", r.SQL)
	assert.Equal(t, []string{"users"}, r.UsedTables)
}

func TestParseGeneratorResponse_NoneTables(t *testing.T) {
	r := ParseGeneratorResponse("DECISION: OUT_OF_SCOPE\nREASONING: no data\nSQL: NONE\nUSED_TABLES: NONE")
	assert.Empty(t, r.UsedTables)
	assert.Equal(t, "NONE", r.SQL)
}

func TestCleanSQL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1;", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT 1;\n```", "SELECT 1"},
		{"  SELECT 1  ", "SELECT 1"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CleanSQL(tc.in), "input %q", tc.in)
	}
}

func TestIsOutOfScope(t *testing.T) {
	tests := []struct {
		name string
		r    GeneratorResult
		text string
		want bool
	}{
		{
			name: "explicit decision",
			r:    GeneratorResult{Decision: "OUT_OF_SCOPE", SQL: "SELECT 1"},
			want: true,
		},
		{
			name: "irrelevant decision",
			r:    GeneratorResult{Decision: "IRRELEVANT", SQL: "SELECT 1"},
			want: true,
		},
		{
			name: "no sql",
			r:    GeneratorResult{Decision: "IN_SCOPE", SQL: ""},
			want: true,
		},
		{
			name: "sql literally none",
			r:    GeneratorResult{Decision: "IN_SCOPE", SQL: "NONE"},
			want: true,
		},
		{
			name: "keyword with sql present",
			r:    GeneratorResult{Decision: "IN_SCOPE", SQL: "SELECT 1"},
			text: "this may seem out of scope but it is answerable",
			want: false,
		},
		{
			name: "in scope",
			r:    GeneratorResult{Decision: "IN_SCOPE", SQL: "SELECT 1"},
			text: "DECISION: IN_SCOPE",
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsOutOfScope(tc.r, tc.text))
		})
	}
}

func TestParseExecutorResponse_Success(t *testing.T) {
	r := ParseExecutorResponse("STATUS: SUCCESS\nRESULTS:\ncount\n42")
	assert.True(t, r.Success)
	assert.Equal(t, "count\n42", r.Results)
}

func TestParseExecutorResponse_Failure(t *testing.T) {
	r := ParseExecutorResponse("STATUS: FAILED\nERROR: relation \"ordrs\" does not exist")
	assert.False(t, r.Success)
	assert.Equal(t, `relation "ordrs" does not exist`, r.Error)
}

func TestParseExecutorResponse_NoStatusTag(t *testing.T) {
	r := ParseExecutorResponse("something went sideways")
	assert.False(t, r.Success)
	assert.Equal(t, "something went sideways", r.Error)
}

func TestExtractExecutiveSummary(t *testing.T) {
	text := "Let me think about this.\nEXECUTIVE SUMMARY: Revenue grew 12% quarter over quarter."
	assert.Equal(t, "EXECUTIVE SUMMARY: Revenue grew 12% quarter over quarter.",
		ExtractExecutiveSummary(text))

	assert.Equal(t, "plain text", ExtractExecutiveSummary("  plain text  "))
}
