// Package cache provides unit tests for the LRU cache implementations.
package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRUCache_Creation tests cache creation with various configurations.
func TestLRUCache_Creation(t *testing.T) {
	testCases := []struct {
		name       string
		capacity   int
		defaultTTL time.Duration
		expectCap  int
	}{
		{"default values", 0, 0, 1000},
		{"custom capacity", 500, 0, 500},
		{"custom TTL", 0, 10 * time.Minute, 1000},
		{"both custom", 200, 15 * time.Minute, 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cache := NewLRUCache[string, []byte](tc.capacity, tc.defaultTTL)
			assert.Equal(t, tc.expectCap, cache.Capacity())
			assert.Equal(t, 0, cache.Size())
		})
	}
}

// TestLRUCache_BasicSetGet tests basic Set and Get operations.
func TestLRUCache_BasicSetGet(t *testing.T) {
	cache := NewLRUCache[string, []byte](100, time.Minute)

	t.Run("Set and Get returns value", func(t *testing.T) {
		cache.Set("test-key", []byte("test-value"), 0)
		result, ok := cache.Get("test-key")

		require.True(t, ok, "expected key to exist")
		assert.Equal(t, []byte("test-value"), result)
	})

	t.Run("Get non-existent key returns false", func(t *testing.T) {
		_, ok := cache.Get("non-existent")
		assert.False(t, ok)
	})

	t.Run("Update existing key", func(t *testing.T) {
		cache.Set("update-key", []byte("value1"), 0)
		cache.Set("update-key", []byte("value2"), 0)

		result, ok := cache.Get("update-key")
		require.True(t, ok)
		assert.Equal(t, []byte("value2"), result)
	})
}

// TestLRUCache_TTLExpiration tests TTL-based expiration with an injected clock.
func TestLRUCache_TTLExpiration(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	cache := NewLRUCache[string, string](100, time.Minute)
	cache.SetClock(clock)

	cache.Set("short", "a", 30*time.Second)
	cache.Set("long", "b", 10*time.Minute)

	_, ok := cache.Get("short")
	assert.True(t, ok, "key should exist before TTL")

	advance(31 * time.Second)

	_, ok = cache.Get("short")
	assert.False(t, ok, "key should be expired after TTL")

	_, ok = cache.Get("long")
	assert.True(t, ok, "longer TTL should persist")

	advance(10 * time.Minute)
	removed := cache.CleanupExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cache.Size())
}

// TestLRUCache_LRUEviction tests LRU eviction policy.
func TestLRUCache_LRUEviction(t *testing.T) {
	t.Run("evicts least recently used when full", func(t *testing.T) {
		cache := NewLRUCache[string, string](3, time.Minute)

		cache.Set("key1", "1", 0)
		cache.Set("key2", "2", 0)
		cache.Set("key3", "3", 0)

		assert.Equal(t, 3, cache.Size(), "cache should be at capacity")

		// Access key1 to make it recently used
		cache.Get("key1")

		cache.Set("key4", "4", 0)

		assert.Equal(t, 3, cache.Size(), "cache size should remain at capacity")

		_, ok := cache.Get("key2")
		assert.False(t, ok, "LRU key should be evicted")

		_, ok = cache.Get("key1")
		assert.True(t, ok, "recently accessed key should exist")
	})

	t.Run("eviction respects update time", func(t *testing.T) {
		cache := NewLRUCache[string, string](3, time.Minute)

		cache.Set("key1", "1", 0)
		cache.Set("key2", "2", 0)
		cache.Set("key3", "3", 0)

		cache.Set("key2", "2-updated", 0)

		cache.Set("key4", "4", 0)

		_, ok := cache.Get("key1")
		assert.False(t, ok, "oldest key should be evicted")

		_, ok = cache.Get("key2")
		assert.True(t, ok, "updated key should exist")
	})
}

// TestLRUCache_RemoveAndClear tests targeted and full removal.
func TestLRUCache_RemoveAndClear(t *testing.T) {
	cache := NewLRUCache[string, int](100, time.Minute)

	for i := 0; i < 10; i++ {
		cache.Set(fmt.Sprintf("key%d", i), i, 0)
	}
	assert.Equal(t, 10, cache.Size())

	assert.True(t, cache.Remove("key3"))
	assert.False(t, cache.Remove("key3"), "second remove should report missing")
	assert.Equal(t, 9, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size(), "cache should be empty after Clear")
}

// TestLRUCache_Contains tests existence checks without promotion.
func TestLRUCache_Contains(t *testing.T) {
	cache := NewLRUCache[string, string](3, time.Minute)

	cache.Set("key1", "1", 0)
	cache.Set("key2", "2", 0)
	cache.Set("key3", "3", 0)

	// Contains must not promote key1.
	assert.True(t, cache.Contains("key1"))

	cache.Set("key4", "4", 0)

	_, ok := cache.Get("key1")
	assert.False(t, ok, "Contains should not have promoted the entry")
}

// TestLRUCache_ThreadSafety tests thread safety.
func TestLRUCache_ThreadSafety(t *testing.T) {
	cache := NewLRUCache[string, int](1000, time.Minute)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key%d", n%26)
			cache.Set(key, n, 0)
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key%d", n%26)
			cache.Get(key)
		}(i)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cache.Remove(fmt.Sprintf("key%d", n%26))
		}(i)
	}

	wg.Wait()
	// Should not panic or deadlock
}

// TestByteBudgetCache_Eviction tests byte-budget bounded eviction.
func TestByteBudgetCache_Eviction(t *testing.T) {
	cache := NewByteBudgetCache(100)

	cache.Set("a", make([]byte, 40))
	cache.Set("b", make([]byte, 40))
	assert.Equal(t, int64(80), cache.UsedBytes())
	assert.Equal(t, 2, cache.Len())

	// Pushes over budget; oldest insertion ("a") is evicted.
	cache.Set("c", make([]byte, 40))
	assert.Equal(t, int64(80), cache.UsedBytes())

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest insertion should be evicted")
	_, ok = cache.Get("b")
	assert.True(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
}

// TestByteBudgetCache_OversizedRejected tests that oversized payloads are not cached.
func TestByteBudgetCache_OversizedRejected(t *testing.T) {
	cache := NewByteBudgetCache(10)

	cache.Set("huge", make([]byte, 11))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(0), cache.UsedBytes())
}

// TestByteBudgetCache_UpdateAdjustsUsage tests resident size accounting on update.
func TestByteBudgetCache_UpdateAdjustsUsage(t *testing.T) {
	cache := NewByteBudgetCache(100)

	cache.Set("a", make([]byte, 40))
	cache.Set("a", make([]byte, 10))
	assert.Equal(t, int64(10), cache.UsedBytes())

	require.True(t, cache.Remove("a"))
	assert.Equal(t, int64(0), cache.UsedBytes())
}

// BenchmarkLRUCache_Set benchmarks Set operation.
func BenchmarkLRUCache_Set(b *testing.B) {
	cache := NewLRUCache[string, []byte](10000, time.Minute)
	value := []byte("test-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%d", i%26)
		cache.Set(key, value, 0)
	}
}

// BenchmarkLRUCache_Get benchmarks Get operation.
func BenchmarkLRUCache_Get(b *testing.B) {
	cache := NewLRUCache[string, []byte](10000, time.Minute)
	cache.Set("test-key", []byte("test-value"), 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cache.Get("test-key")
	}
}
