package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/sqlinsight/engine/pkg/metrics"
	"github.com/sqlinsight/engine/pkg/registry"
	"github.com/sqlinsight/engine/pkg/saga"
)

// ManagerConfig tunes the process-global tool manager.
type ManagerConfig struct {
	// RegistryURL is the capability registry base URL.
	RegistryURL string

	// SemaphoreWidth caps concurrent calls per provider. Zero selects
	// DefaultSemaphoreWidth.
	SemaphoreWidth int64

	// RefreshDebounce suppresses unforced refreshes after a successful one.
	// Zero selects the package default.
	RefreshDebounce time.Duration
}

type toolEntry struct {
	providerURL string
	descriptor  Descriptor
}

// Manager discovers tools from registered providers and dispatches calls to
// them. One Manager serves all workers in the process.
type Manager struct {
	cfg        ManagerConfig
	httpClient *http.Client
	dialer     Dialer
	logger     *slog.Logger

	mu          sync.RWMutex
	tools       map[string]toolEntry
	lastRefresh time.Time

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// NewManager creates a Manager that dials providers over SSE.
func NewManager(cfg ManagerConfig) *Manager {
	return NewManagerWithDialer(cfg, DialSSE)
}

// NewManagerWithDialer creates a Manager with a custom session dialer.
// Tests use this to wire in-memory providers.
func NewManagerWithDialer(cfg ManagerConfig, dialer Dialer) *Manager {
	if cfg.SemaphoreWidth <= 0 {
		cfg.SemaphoreWidth = DefaultSemaphoreWidth
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = RefreshDebounce
	}
	return &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: RegistryTimeout},
		dialer:     dialer,
		logger:     slog.Default(),
		tools:      make(map[string]toolEntry),
		sems:       make(map[string]*semaphore.Weighted),
	}
}

// Refresh polls the registry and re-discovers tools from every listed
// provider. Unforced refreshes are debounced. Providers that fail discovery
// keep their previously cached tools; a registry outage keeps the whole
// cache.
func (m *Manager) Refresh(ctx context.Context, force bool) error {
	m.mu.RLock()
	recent := time.Since(m.lastRefresh) < m.cfg.RefreshDebounce
	m.mu.RUnlock()
	if recent && !force {
		return nil
	}

	providers, err := m.listProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry poll failed: %w", err)
	}

	next := make(map[string]toolEntry)
	failed := make(map[string]bool)
	for _, p := range providers {
		if p.Status != registry.StatusHealthy && p.Status != registry.StatusUnknown {
			continue
		}
		descriptors, err := m.discoverProvider(ctx, p.URL)
		if err != nil {
			m.logger.Warn("Tool discovery failed for provider",
				"provider", p.Name, "url", p.URL, "error", err)
			failed[p.URL] = true
			continue
		}
		for _, d := range descriptors {
			next[d.Name] = toolEntry{providerURL: p.URL, descriptor: d}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Carry forward cached tools of providers whose discovery failed.
	for name, entry := range m.tools {
		if failed[entry.providerURL] {
			if _, ok := next[name]; !ok {
				next[name] = entry
			}
		}
	}
	m.tools = next
	m.lastRefresh = time.Now()
	m.logger.Info("Tool cache refreshed", "tools", len(next), "providers", len(providers))
	return nil
}

func (m *Manager) listProviders(ctx context.Context) ([]registry.Provider, error) {
	reqCtx, cancel := context.WithTimeout(ctx, RegistryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.cfg.RegistryURL+"/servers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	var providers []registry.Provider
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		return nil, fmt.Errorf("decode server list: %w", err)
	}
	return providers, nil
}

func (m *Manager) discoverProvider(ctx context.Context, url string) ([]Descriptor, error) {
	session, err := m.dialer(ctx, url)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	sdkTools, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	descriptors := make([]Descriptor, 0, len(sdkTools))
	for _, t := range sdkTools {
		d, err := descriptorFromSDK(t)
		if err != nil {
			m.logger.Warn("Skipping tool with unusable schema", "tool", t.Name, "error", err)
			continue
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// Definitions returns the exposed descriptors of every cached tool, sorted by
// name, excluding the named tools. Workers use the exclusion to withhold
// run_query from steps that must not execute SQL. An empty cache triggers one
// forced refresh.
func (m *Manager) Definitions(ctx context.Context, exclude ...string) []Descriptor {
	m.mu.RLock()
	empty := len(m.tools) == 0
	m.mu.RUnlock()
	if empty {
		if err := m.Refresh(ctx, true); err != nil {
			m.logger.Warn("Forced tool refresh failed", "error", err)
		}
	}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.tools))
	for name, entry := range m.tools {
		if excluded[name] {
			continue
		}
		out = append(out, entry.descriptor.Exposed())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes a tool synchronously and returns its textual result. Failures
// never escape as errors: the caller receives "Error: <reason>" in-band so
// the agent loop survives. When env is non-nil a sanitized ToolCall record is
// appended to its pending and cumulative lists.
func (m *Manager) Call(ctx context.Context, name string, args map[string]any, ambient Ambient, env *saga.Envelope) string {
	start := time.Now()

	entry, ok := m.lookup(name)
	if !ok {
		// The cache may be stale or empty; force one refresh before giving up.
		if err := m.Refresh(ctx, true); err != nil {
			m.logger.Warn("Refresh during unknown-tool lookup failed", "error", err)
		}
		entry, ok = m.lookup(name)
	}
	if !ok {
		return m.finish(env, name, args, "Error: unknown tool: "+name, start)
	}

	bound := BindArguments(entry.descriptor.InputSchema, args, ambient)

	budgetCtx, cancel := context.WithTimeout(ctx, CallBudget)
	defer cancel()

	sem := m.semaphoreFor(entry.providerURL)
	if err := sem.Acquire(budgetCtx, 1); err != nil {
		return m.finish(env, name, bound, timedOutMessage, start)
	}
	defer sem.Release(1)

	text, err := m.callWithRetry(budgetCtx, entry.providerURL, name, bound)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return m.finish(env, name, bound, timedOutMessage, start)
		}
		return m.finish(env, name, bound, fmt.Sprintf("Error: %v", err), start)
	}
	return m.finish(env, name, bound, text, start)
}

// callWithRetry performs the invocation with up to MaxRetries retries on
// transient failures, pausing RetryBackoff between attempts. Each attempt
// opens a fresh session.
func (m *Manager) callWithRetry(ctx context.Context, providerURL, name string, args map[string]any) (string, error) {
	var text string
	operation := func() error {
		var err error
		text, err = m.callOnce(ctx, providerURL, name, args)
		if err != nil && ClassifyError(err) == NoRetry {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(RetryBackoff), MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", err
	}
	return text, nil
}

func (m *Manager) callOnce(ctx context.Context, providerURL, name string, args map[string]any) (string, error) {
	session, err := m.dialer(ctx, providerURL)
	if err != nil {
		return "", err
	}
	defer session.Close()

	result, err := session.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := extractText(result)
	if result.IsError && text == "" {
		text = "Error: tool reported failure"
	}
	// Provider-side failures arrive as "Error: ..." text with isError set;
	// they are semantic results, not transport errors, so no retry.
	return text, nil
}

func (m *Manager) lookup(name string) (toolEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tools[name]
	return entry, ok
}

// semaphoreFor returns the per-provider semaphore, creating it lazily on
// first use.
func (m *Manager) semaphoreFor(providerURL string) *semaphore.Weighted {
	m.semMu.Lock()
	defer m.semMu.Unlock()
	sem, ok := m.sems[providerURL]
	if !ok {
		sem = semaphore.NewWeighted(m.cfg.SemaphoreWidth)
		m.sems[providerURL] = sem
	}
	return sem
}

// finish records the tool call on the envelope, emits metrics, and returns
// the response text.
func (m *Manager) finish(env *saga.Envelope, name string, args map[string]any, response string, start time.Time) string {
	elapsed := time.Since(start)
	status := saga.StatusSuccess
	if isErrorResponse(response) {
		status = saga.StatusError
	}
	metrics.MCPToolCalls.WithLabelValues(name, status).Inc()
	metrics.MCPToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if env != nil {
		env.AddToolCall(saga.ToolCall{
			Tool:       name,
			Arguments:  saga.SanitizeMap(args),
			Response:   saga.Sanitize(response),
			DurationMS: elapsed.Milliseconds(),
			Status:     status,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
	return response
}

func isErrorResponse(response string) bool {
	return len(response) >= 6 && response[:6] == "Error:"
}
