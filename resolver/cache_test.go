package resolver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jnesss/fim-recorder/events"
)

func TestCachePutGet(t *testing.T) {
	c := NewCache()

	_, ok := c.Get(1, 42)
	require.False(t, ok)

	c.Put(1, 42, Entry{Name: "file.txt", Parent: events.PathKey{Inode: 2, MountID: 1}})
	entry, ok := c.Get(1, 42)
	require.True(t, ok)
	require.Equal(t, "file.txt", entry.Name)

	// same inode on a different mount is a different key
	_, ok = c.Get(2, 42)
	require.False(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache()
	c.Put(1, 42, Entry{Name: "file.txt"})

	require.Equal(t, uint32(0), c.Generation(1, 42))
	c.Invalidate(1, 42)
	require.Equal(t, uint32(1), c.Generation(1, 42))

	_, ok := c.Get(1, 42)
	require.False(t, ok)

	// a fresh put lands at the new generation and is usable again
	c.Put(1, 42, Entry{Name: "file.txt"})
	_, ok = c.Get(1, 42)
	require.True(t, ok)

	c.Invalidate(1, 42)
	require.Equal(t, uint32(2), c.Generation(1, 42))
}

func TestCacheStaleEntryRejected(t *testing.T) {
	c := NewCache()
	c.Put(1, 42, Entry{Name: "old"})
	c.Invalidate(1, 42)

	// nothing re-populated the entry, so there is nothing to serve
	_, ok := c.Get(1, 42)
	require.False(t, ok)
}

func TestCacheDelMount(t *testing.T) {
	c := NewCache()
	c.Put(1, 42, Entry{Name: "a"})
	c.Put(2, 42, Entry{Name: "b"})

	c.DelMount(1)

	_, ok := c.Get(1, 42)
	require.False(t, ok)
	_, ok = c.Get(2, 42)
	require.True(t, ok)
}

func TestCacheEviction(t *testing.T) {
	c := NewCache()

	for i := 0; i < mountCacheSize+10; i++ {
		c.Put(1, uint64(i+1), Entry{Name: fmt.Sprintf("f%d", i)})
	}

	// the oldest entries fell out; the newest are still there
	_, ok := c.Get(1, 1)
	require.False(t, ok)
	_, ok = c.Get(1, uint64(mountCacheSize+10))
	require.True(t, ok)
}

func TestResolveFromCache(t *testing.T) {
	c := NewCache()
	c.Put(1, 2, Entry{Name: "home"})
	c.Put(1, 3, Entry{Name: "user", Parent: events.PathKey{Inode: 2, MountID: 1}})
	c.Put(1, 4, Entry{Name: "file.txt", Parent: events.PathKey{Inode: 3, MountID: 1}})

	path, err := c.ResolveFromCache(1, 4)
	require.NoError(t, err)
	require.Equal(t, "/home/user/file.txt", path)
}

func TestResolveFromCacheMiss(t *testing.T) {
	c := NewCache()
	c.Put(1, 4, Entry{Name: "file.txt", Parent: events.PathKey{Inode: 3, MountID: 1}})

	_, err := c.ResolveFromCache(1, 4)
	require.ErrorIs(t, err, ErrEntryNotFound)
}
