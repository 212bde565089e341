package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()

	_, ok := m.Get("missing")
	assert.False(t, ok)

	m.Set("k", 42, 0)
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	m.Delete("k")
	_, ok = m.Get("k")
	assert.False(t, ok)
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory()
	m.Set("short", "v", 10*time.Millisecond)

	_, ok := m.Get("short")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = m.Get("short")
	assert.False(t, ok)
}

func TestMemorySession(t *testing.T) {
	s := NewMemorySession()

	_, ok := s.Get("nope")
	assert.False(t, ok)

	s.Put("sid", map[string]any{"user": "u1"}, time.Minute)
	data, ok := s.Get("sid")
	require.True(t, ok)
	assert.Equal(t, "u1", data["user"])

	s.Destroy("sid")
	_, ok = s.Get("sid")
	assert.False(t, ok)
}

func TestTokenBucketAllows(t *testing.T) {
	tb := NewTokenBucket(2)

	assert.True(t, tb.Allow("ip1"))
	assert.True(t, tb.Allow("ip1"))
	// Burst exhausted.
	assert.False(t, tb.Allow("ip1"))
	// Other keys are independent.
	assert.True(t, tb.Allow("ip2"))
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(100)
	for i := 0; i < 100; i++ {
		tb.Allow("ip")
	}
	assert.False(t, tb.Allow("ip"))

	time.Sleep(50 * time.Millisecond) // ~5 tokens at 100 rps
	assert.True(t, tb.Allow("ip"))
}

func TestTokenBucketDisabled(t *testing.T) {
	tb := NewTokenBucket(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, tb.Allow("ip"))
	}
}
