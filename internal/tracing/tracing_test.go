package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		assert.True(t, strings.HasPrefix(id, "req_"))
		assert.Len(t, id, len("req_")+16)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), "")
	assert.True(t, strings.HasPrefix(GetRequestID(ctx), "req_"))
	assert.False(t, GetStartTime(ctx).IsZero())

	ctx = NewRequestContext(context.Background(), "upstream-42")
	info := GetRequestInfo(ctx)
	assert.Equal(t, "upstream-42", info.RequestID)
	assert.Empty(t, info.TraceID)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), Duration(context.Background()))

	ctx := WithStartTime(context.Background(), time.Now().Add(-50*time.Millisecond))
	assert.GreaterOrEqual(t, Duration(ctx), 50*time.Millisecond)
}

func TestGetters_Empty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.True(t, GetStartTime(ctx).IsZero())
}
