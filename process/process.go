// Package process holds the read-only enrichment caches joined against just
// before an event is emitted: process metadata by pid, container identity,
// and tracing span correlation by thread. The caches are populated by
// external collectors; the engine only performs lookups.
package process

import (
	"fmt"
	"os/user"
	"regexp"
	"sync"
)

// Info is the metadata cached for one process
type Info struct {
	PID         uint32
	PPID        uint32
	Comm        string
	ExePath     string
	UID         uint32
	GID         uint32
	Username    string
	ContainerID string
}

// Map is a thread-safe map of process information
type Map struct {
	processes map[uint32]*Info
	mu        sync.RWMutex
}

// NewMap creates a new process map
func NewMap() *Map {
	return &Map{processes: make(map[uint32]*Info)}
}

// Add adds or updates a process in the map
func (pm *Map) Add(pid uint32, info *Info) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processes[pid] = info
}

// Get retrieves process info from the map
func (pm *Map) Get(pid uint32) (*Info, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	info, exists := pm.processes[pid]
	return info, exists
}

// Remove removes a process from the map
func (pm *Map) Remove(pid uint32) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.processes, pid)
}

// List returns all processes in the map
func (pm *Map) List() []*Info {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	processes := make([]*Info, 0, len(pm.processes))
	for _, p := range pm.processes {
		processes = append(processes, p)
	}
	return processes
}

// Span carries tracing correlation identifiers
type Span struct {
	SpanID  uint64
	TraceID uint64
}

// SpanCache maps thread ids to active spans. Populated externally by the
// tracer shim; the engine only reads it.
type SpanCache struct {
	spans sync.Map // tid -> Span
}

// NewSpanCache creates an empty span cache
func NewSpanCache() *SpanCache {
	return &SpanCache{}
}

// Set records the active span for a thread
func (sc *SpanCache) Set(tid uint32, span Span) {
	sc.spans.Store(tid, span)
}

// Get returns the active span for a thread, if any
func (sc *SpanCache) Get(tid uint32) (Span, bool) {
	v, ok := sc.spans.Load(tid)
	if !ok {
		return Span{}, false
	}
	return v.(Span), true
}

// Delete clears the span for a thread
func (sc *SpanCache) Delete(tid uint32) {
	sc.spans.Delete(tid)
}

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

// containerIDRegex matches the cgroup-derived container identifiers
var containerIDRegex = regexp.MustCompile(`^[a-f0-9]{12,64}$`)

// IsContainerID reports whether s looks like a container identifier
func IsContainerID(s string) bool {
	return containerIDRegex.MatchString(s)
}

// GetUsernameFromUID resolves a uid to a username, with caching
func GetUsernameFromUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	u, err := user.LookupId(fmt.Sprintf("%d", uid))
	if err != nil {
		return ""
	}

	usernameCacheMutex.Lock()
	usernameCache[uid] = u.Username
	usernameCacheMutex.Unlock()

	return u.Username
}
