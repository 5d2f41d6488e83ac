package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/sqlinsight/engine/pkg/metrics"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	// APIKey authenticates against the Gemini API (required).
	APIKey string

	// Model is used when a request does not name one.
	Model string

	// MaxRetries bounds retries of transient API failures.
	MaxRetries uint64
}

// DefaultGeminiModel is used when neither config nor request names a model.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiClient implements Client on the Google Gen AI SDK. Safe for
// concurrent use; each RunAgent call carries its own conversation state.
type GeminiClient struct {
	client     *genai.Client
	model      string
	maxRetries uint64
}

// NewGeminiClient creates a GeminiClient.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, maxRetries: cfg.MaxRetries}, nil
}

// RunAgent drives the function-calling loop: generate, execute any requested
// tool calls, feed the results back, repeat until the model answers in text
// or the iteration bound is hit.
func (g *GeminiClient) RunAgent(ctx context.Context, req Request, exec ToolExecutor) (Response, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if decls := toGeminiTools(req.Tools); decls != nil {
		config.Tools = decls
	}

	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: req.Prompt}}},
	}

	var out Response
	var lastText string
	for iter := 0; iter < maxIter; iter++ {
		resp, err := g.generateWithRetry(ctx, model, contents, config)
		if err != nil {
			return Response{}, fmt.Errorf("gemini: generate: %w", err)
		}
		metrics.LLMRequests.WithLabelValues(req.Task, model).Inc()
		if resp.UsageMetadata != nil {
			out.Usage.InputTokens += int64(resp.UsageMetadata.PromptTokenCount)
			out.Usage.OutputTokens += int64(resp.UsageMetadata.CandidatesTokenCount)
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			break
		}
		content := resp.Candidates[0].Content

		var text strings.Builder
		var calls []*genai.FunctionCall
		for _, part := range content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				calls = append(calls, part.FunctionCall)
			}
		}
		if text.Len() > 0 {
			lastText = text.String()
		}

		if len(calls) == 0 {
			out.Text = lastText
			return out, nil
		}

		// Execute the requested calls and feed results back as function
		// responses on the user side.
		contents = append(contents, content)
		responseParts := make([]*genai.Part, 0, len(calls))
		for _, fc := range calls {
			out.ToolCalls++
			metrics.LLMToolCalls.WithLabelValues(req.Task).Inc()
			result := exec(ctx, fc.Name, fc.Args)
			responseParts = append(responseParts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     fc.Name,
					Response: map[string]any{"result": result},
				},
			})
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: responseParts})
	}

	if lastText == "" {
		return Response{}, errors.New("gemini: agent loop exhausted without a final answer")
	}
	out.Text = lastText
	return out, nil
}

func (g *GeminiClient) generateWithRetry(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	operation := func() error {
		var err error
		resp, err = g.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Second)), g.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// toGeminiTools converts tool declarations to the SDK's schema types.
func toGeminiTools(tools []Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGeminiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

// isRetryableError matches rate limits, server errors, and transient network
// failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"rate limit", "429", "too many requests", "resource exhausted", "quota",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
