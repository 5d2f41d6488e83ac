package tools

import (
	"context"
	"errors"
	"strings"
)

// RecoveryAction classifies a failed tool call for the retry loop.
type RecoveryAction int

const (
	// NoRetry: the error is permanent (bad arguments, protocol violation).
	NoRetry RecoveryAction = iota
	// Retry: transient transport or timing failure; a fresh session may
	// succeed.
	Retry
)

// ClassifyError decides whether a failed call_tool attempt is worth retrying.
// Sessions are created per call, so every retry implicitly gets a new session.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	// Deadlines and cancellations come from the caller's budget; a retry
	// would run against the same expiring context and only delay the
	// in-band timeout response.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NoRetry
	}
	if isConnectionError(strings.ToLower(err.Error())) {
		return Retry
	}
	return NoRetry
}

// isConnectionError matches transport-level failure messages that indicate a
// broken or unreachable stream rather than a semantic tool error.
func isConnectionError(msg string) bool {
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"eof",
		"no such host",
		"session closed",
		"stream closed",
		"transport",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
