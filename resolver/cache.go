package resolver

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
)

// mountCacheSize bounds the per-mount shortcut cache
const mountCacheSize = 128

// ErrEntryNotFound is returned when a key has no usable cache entry
var ErrEntryNotFound = fmt.Errorf("entry not found")

// Entry links an inode to its parent and name segment. A null Parent means
// the parent is the mount root. ParentRef keeps the walk resumable when the
// parent's own entry has been evicted; a stale ref just faults into an error.
type Entry struct {
	Parent    events.PathKey
	ParentRef host.DentryRef
	Name      string
}

type inodeKey struct {
	mountID uint32
	inode   uint64
}

type versionedEntry struct {
	entry Entry
	epoch uint32
}

// Cache is the directory-resolution shortcut cache: per-mount LRU tables of
// inode -> (parent, name) plus per-inode generation counters. A walk that
// reaches a cached inode stops reading remote objects and finishes from here.
type Cache struct {
	mu     sync.Mutex
	mounts map[uint32]*lru.Cache
	epochs sync.Map // inodeKey -> *atomic.Uint32
}

// NewCache creates an empty shortcut cache
func NewCache() *Cache {
	return &Cache{mounts: make(map[uint32]*lru.Cache)}
}

// Generation returns the current path-cache generation for an inode. It is
// carried in PathKey.PathID so consumers can tell stale references apart.
func (c *Cache) Generation(mountID uint32, inode uint64) uint32 {
	v, ok := c.epochs.Load(inodeKey{mountID, inode})
	if !ok {
		return 0
	}
	return v.(*atomic.Uint32).Load()
}

// Get returns the cached entry for an inode if it is still current
func (c *Cache) Get(mountID uint32, inode uint64) (Entry, bool) {
	c.mu.Lock()
	entries, ok := c.mounts[mountID]
	c.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	v, ok := entries.Get(inode)
	if !ok {
		return Entry{}, false
	}
	ve := v.(versionedEntry)
	if ve.epoch != c.Generation(mountID, inode) {
		entries.Remove(inode)
		return Entry{}, false
	}
	return ve.entry, true
}

// Put stores an entry at the inode's current generation
func (c *Cache) Put(mountID uint32, inode uint64, entry Entry) {
	c.mu.Lock()
	entries, ok := c.mounts[mountID]
	if !ok {
		entries, _ = lru.New(mountCacheSize)
		c.mounts[mountID] = entries
	}
	c.mu.Unlock()
	entries.Add(inode, versionedEntry{entry: entry, epoch: c.Generation(mountID, inode)})
}

// Invalidate bumps the inode's generation and evicts its entry so the next
// resolution re-walks instead of reusing a cached-but-stale path. Safe under
// concurrent invalidation from unrelated execution contexts.
func (c *Cache) Invalidate(mountID uint32, inode uint64) {
	epoch := new(atomic.Uint32)
	epoch.Store(1)
	if actual, loaded := c.epochs.LoadOrStore(inodeKey{mountID, inode}, epoch); loaded {
		actual.(*atomic.Uint32).Add(1)
	}

	c.mu.Lock()
	entries, ok := c.mounts[mountID]
	c.mu.Unlock()
	if ok {
		entries.Remove(inode)
	}
}

// DelMount drops every entry belonging to a mount, e.g. on umount
func (c *Cache) DelMount(mountID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mounts, mountID)
}

// ResolveFromCache rebuilds the full path for an inode purely from cached
// entries. Used by the consumer fallback and by tests; the walk is bounded
// the same way the in-kernel walk is.
func (c *Cache) ResolveFromCache(mountID uint32, inode uint64) (string, error) {
	var components []string
	key := events.PathKey{MountID: mountID, Inode: inode}
	for i := 0; i < MaxPathDepth; i++ {
		entry, ok := c.Get(key.MountID, key.Inode)
		if !ok {
			return "", ErrEntryNotFound
		}
		components = append(components, entry.Name)
		if entry.Parent.IsNull() {
			break
		}
		key = entry.Parent
	}

	if len(components) == 0 {
		return "/", nil
	}
	var sb strings.Builder
	for i := len(components) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(components[i])
	}
	return sb.String(), nil
}
