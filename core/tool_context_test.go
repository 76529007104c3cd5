package core

import (
	"context"
	"testing"

	"github.com/hupe1980/agentloop/logging"
	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestToolContext_Accessors(t *testing.T) {
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	tc := NewToolContext(ctx, "run-1", "call-1", "calc", 3, nil)

	assert.Equal(t, ctx, tc.Context())
	assert.Equal(t, "run-1", tc.RunID())
	assert.Equal(t, "call-1", tc.ToolCallID())
	assert.Equal(t, "calc", tc.ToolName())
	assert.Equal(t, 3, tc.Iteration())
	assert.IsType(t, logging.NoOpLogger{}, tc.Logger())

	tc.Logger().Info("tool.test", "k", "v")
}
