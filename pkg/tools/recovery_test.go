package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"deadline", context.DeadlineExceeded, NoRetry},
		{"canceled", context.Canceled, NoRetry},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), NoRetry},
		{"connection refused", errors.New("dial tcp: connection refused"), Retry},
		{"broken pipe", errors.New("write: broken pipe"), Retry},
		{"session closed", errors.New("session closed"), Retry},
		{"semantic error", errors.New("invalid arguments for tool"), NoRetry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}
