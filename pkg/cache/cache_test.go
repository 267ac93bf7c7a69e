package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFencedGet(t *testing.T) {
	c := New[string, string]("test_fenced", 8, time.Minute)
	c.Put("k", "v", 3)

	v, ok := c.Get("k", 3)
	require.True(t, ok)
	require.Equal(t, "v", v)

	// A stale fence drops the entry.
	_, ok = c.Get("k", 4)
	require.False(t, ok)
	_, ok = c.Get("k", 3)
	require.False(t, ok, "stale entry must have been evicted")
}

func TestGetAnyIgnoresFence(t *testing.T) {
	c := New[string, int]("test_any", 8, time.Minute)
	c.Put("k", 42, 7)

	v, version, ok := c.GetAny("k")
	require.True(t, ok)
	require.Equal(t, 42, v)
	require.Equal(t, int64(7), version)
}

func TestVersionAnySkipsFence(t *testing.T) {
	c := New[string, string]("test_versionany", 8, time.Minute)
	c.Put("k", "v", 9)
	v, ok := c.Get("k", VersionAny)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTTLExpiry(t *testing.T) {
	c := New[string, string]("test_ttl", 8, 20*time.Millisecond)
	c.Put("k", "v", 1)
	time.Sleep(50 * time.Millisecond)
	_, ok := c.Get("k", 1)
	require.False(t, ok)
}

func TestRemoveAndPurge(t *testing.T) {
	c := New[string, string]("test_remove", 8, time.Minute)
	c.Put("a", "1", 1)
	c.Put("b", "2", 1)
	c.Remove("a")
	_, ok := c.Get("a", 1)
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
	c.Purge()
	require.Equal(t, 0, c.Len())
}
