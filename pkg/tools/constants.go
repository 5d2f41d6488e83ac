// Package tools implements the tool-call runtime: registry-driven discovery
// of capability providers, cached tool bindings with argument coercion, and
// bounded synchronous invocation over MCP streaming sessions.
package tools

import "time"

// Timeout budgets for tool transport operations.
// Session initialization and list_tools are cheap metadata calls; call_tool
// carries the real work; CallBudget bounds the caller end to end, including
// semaphore wait and retries.
const (
	// InitTimeout bounds MCP session initialization.
	InitTimeout = 5 * time.Second

	// ListToolsTimeout bounds a list_tools call during discovery.
	ListToolsTimeout = 5 * time.Second

	// CallToolTimeout bounds a single call_tool round trip.
	CallToolTimeout = 30 * time.Second

	// CallBudget is the caller-side bound for one tool invocation.
	CallBudget = 45 * time.Second

	// RegistryTimeout bounds a GET /servers poll against the registry.
	RegistryTimeout = 5 * time.Second

	// RefreshDebounce suppresses discovery refreshes that follow a
	// successful one within this window, unless forced.
	RefreshDebounce = time.Minute

	// RetryBackoff is the pause between invocation retries.
	RetryBackoff = 500 * time.Millisecond

	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries = 2

	// DefaultSemaphoreWidth caps concurrent calls against one provider.
	DefaultSemaphoreWidth = 100
)

// Ambient parameter names supplied by the calling worker rather than the LLM.
const (
	ParamDBURL     = "db_url"
	ParamAccountID = "account_id"
)

// timedOutMessage is the in-band result returned when a call exhausts its
// transport or caller budget.
const timedOutMessage = "Error: MCP call timed out"
