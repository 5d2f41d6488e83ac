package workers

import (
	"encoding/json"
	"strings"
)

// GeneratorResult is the parsed shape of a generate-step LLM response.
type GeneratorResult struct {
	Decision   string
	Reasoning  string
	SQL        string
	UsedTables []string
}

var generatorTags = []string{"DECISION:", "REASONING:", "SQL:", "USED_TABLES:"}

// ParseGeneratorResponse extracts the tagged sections of a generator
// response. When no DECISION tag is present it falls back to scanning for an
// embedded JSON object with the same keys, which some models emit despite the
// format instructions.
func ParseGeneratorResponse(text string) GeneratorResult {
	sections := splitTagged(text, generatorTags)
	if _, ok := sections["DECISION:"]; !ok {
		if r, ok := parseGeneratorJSON(text); ok {
			return r
		}
	}
	r := GeneratorResult{
		Decision:  strings.TrimSpace(sections["DECISION:"]),
		Reasoning: strings.TrimSpace(sections["REASONING:"]),
		SQL:       CleanSQL(sections["SQL:"]),
	}
	for _, t := range strings.Split(sections["USED_TABLES:"], ",") {
		t = strings.TrimSpace(t)
		if t != "" && !strings.EqualFold(t, "none") {
			r.UsedTables = append(r.UsedTables, t)
		}
	}
	return r
}

// splitTagged partitions text into sections, each running from one known tag
// to the next.
func splitTagged(text string, tags []string) map[string]string {
	type pos struct {
		tag string
		at  int
	}
	var found []pos
	for _, tag := range tags {
		if at := strings.Index(text, tag); at >= 0 {
			found = append(found, pos{tag, at})
		}
	}
	sections := make(map[string]string, len(found))
	for _, p := range found {
		start := p.at + len(p.tag)
		end := len(text)
		for _, q := range found {
			if q.at > p.at && q.at < end {
				end = q.at
			}
		}
		sections[p.tag] = text[start:end]
	}
	return sections
}

func parseGeneratorJSON(text string) (GeneratorResult, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return GeneratorResult{}, false
	}
	var obj struct {
		Decision   string `json:"decision"`
		Reasoning  string `json:"reasoning"`
		SQL        string `json:"sql"`
		UsedTables any    `json:"used_tables"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return GeneratorResult{}, false
	}
	if obj.Decision == "" && obj.SQL == "" {
		return GeneratorResult{}, false
	}
	r := GeneratorResult{
		Decision:  strings.TrimSpace(obj.Decision),
		Reasoning: strings.TrimSpace(obj.Reasoning),
		SQL:       CleanSQL(obj.SQL),
	}
	if list, ok := obj.UsedTables.([]any); ok {
		for _, t := range list {
			if s, ok := t.(string); ok && s != "" {
				r.UsedTables = append(r.UsedTables, s)
			}
		}
	}
	return r, true
}

// CleanSQL strips surrounding markdown fences and a trailing semicolon.
func CleanSQL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```sql")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// outOfScopeKeywords is the closed keyword set that, combined with the
// absence of SQL, classifies a response as out of scope.
var outOfScopeKeywords = []string{
	"out of scope",
	"cannot answer",
	"not related",
	"does not exist",
}

// IsOutOfScope classifies a parsed generator response. True when the decision
// tag says so, when no SQL was produced, or when the response text carries an
// out-of-scope keyword and no SQL.
func IsOutOfScope(r GeneratorResult, fullText string) bool {
	decision := strings.ToUpper(r.Decision)
	if strings.Contains(decision, "OUT_OF_SCOPE") || strings.Contains(decision, "IRRELEVANT") {
		return true
	}
	noSQL := r.SQL == "" || strings.EqualFold(r.SQL, "NONE")
	if noSQL {
		return true
	}
	lower := strings.ToLower(fullText)
	for _, kw := range outOfScopeKeywords {
		if strings.Contains(lower, kw) && noSQL {
			return true
		}
	}
	return false
}

// ExecutorResult is the parsed shape of an execute-step LLM response.
type ExecutorResult struct {
	Success bool
	Results string
	Error   string
}

// ParseExecutorResponse extracts the STATUS/RESULTS/ERROR sections of an
// executor response. A response without a STATUS tag is treated as a failure
// carrying the whole text as the error.
func ParseExecutorResponse(text string) ExecutorResult {
	sections := splitTagged(text, []string{"STATUS:", "RESULTS:", "ERROR:"})
	status, ok := sections["STATUS:"]
	if !ok {
		return ExecutorResult{Success: false, Error: strings.TrimSpace(text)}
	}
	r := ExecutorResult{
		Success: strings.Contains(strings.ToUpper(status), "SUCCESS"),
		Results: strings.TrimSpace(sections["RESULTS:"]),
		Error:   strings.TrimSpace(sections["ERROR:"]),
	}
	if !r.Success && r.Error == "" {
		r.Error = r.Results
	}
	return r
}

// ExtractExecutiveSummary returns the formatter's response from the summary
// tag onward, or the whole text when the tag is missing.
func ExtractExecutiveSummary(text string) string {
	if at := strings.Index(text, "EXECUTIVE SUMMARY:"); at >= 0 {
		return strings.TrimSpace(text[at:])
	}
	return strings.TrimSpace(text)
}
