package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	s := NewMemoryStore("config", map[string]any{
		"db": map[string]any{"host": "localhost", "port": 5432},
	})

	raw, err := s.Read(context.Background())
	require.NoError(t, err)
	doc := raw.(map[string]any)
	doc["db"].(map[string]any)["host"] = "mutated"

	again, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "localhost", again.(map[string]any)["db"].(map[string]any)["host"])
	assert.Equal(t, "config", s.Name())
}

func TestMemoryStore_WritesNotify(t *testing.T) {
	s := NewMemoryStore("config", nil)

	var count atomic.Int32
	cancel, err := s.Subscribe(context.Background(), func() { count.Add(1) })
	require.NoError(t, err)

	tests := []struct {
		name  string
		write func()
	}{
		{name: "set", write: func() { s.Set("secretKey", "a") }},
		{name: "set_same_value", write: func() { s.Set("secretKey", "a") }},
		{name: "update", write: func() { s.Update(map[string]any{"x": 1, "y": 2}) }},
		{name: "delete", write: func() { s.Delete("x") }},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.write()
			assert.Equal(t, int32(i+1), count.Load())
		})
	}

	value, ok := s.Get("secretKey")
	assert.True(t, ok)
	assert.Equal(t, "a", value)
	_, ok = s.Get("x")
	assert.False(t, ok)

	cancel()
	cancel()
	s.Set("secretKey", "b")
	assert.Equal(t, int32(len(tests)), count.Load())
	assert.Equal(t, 0, s.SubscriberCount())
}

func TestMemoryStore_SubscriptionEndsWithContext(t *testing.T) {
	s := NewMemoryStore("config", nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := s.Subscribe(ctx, func() {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SubscriberCount())

	cancel()
	assert.Eventually(t, func() bool { return s.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_InvalidSubscribe(t *testing.T) {
	s := NewMemoryStore("config", nil)
	_, err := s.Subscribe(context.Background(), nil)
	assert.Error(t, err)
}

func TestCopy(t *testing.T) {
	original := map[string]any{
		"list": []any{map[string]any{"a": 1}},
	}
	copied := Copy(original).(map[string]any)
	copied["list"].([]any)[0].(map[string]any)["a"] = 2

	assert.Equal(t, 1, original["list"].([]any)[0].(map[string]any)["a"])
}
