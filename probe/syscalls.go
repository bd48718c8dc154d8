package probe

import (
	"sync"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
)

// linkArgs is the type-specific payload of a pending link syscall
type linkArgs struct {
	srcDentry    host.DentryRef
	targetDentry host.DentryRef
	srcFile      events.FileRecord
	targetFile   events.FileRecord
}

// unlinkArgs is the type-specific payload of a pending unlink syscall
type unlinkArgs struct {
	dentry host.DentryRef
	file   events.FileRecord
	flags  uint32
}

// syscallEntry tracks one in-flight syscall between its entry and exit
// probes. It is created at entry, mutated by intermediate kernel-function
// probes on the same thread, and destroyed exactly once at exit.
type syscallEntry struct {
	eventType events.EventType
	policy    policy.Policy
	async     bool
	discarded bool
	failed    bool

	link   *linkArgs
	unlink *unlinkArgs
}

type syscallKey struct {
	tid       uint32
	eventType events.EventType
}

// syscallCache is the per-thread pending-syscall store. Syscalls on one
// thread are strictly ordered by the host, so at most one entry can exist
// per (thread, event type); a second push for the same key is refused.
type syscallCache struct {
	entries sync.Map // syscallKey -> *syscallEntry
}

// push stores the entry; it is a no-op returning false if one already exists
func (c *syscallCache) push(tid uint32, entry *syscallEntry) bool {
	_, loaded := c.entries.LoadOrStore(syscallKey{tid, entry.eventType}, entry)
	return !loaded
}

// peek returns the pending entry for (tid, eventType), or nil
func (c *syscallCache) peek(tid uint32, eventType events.EventType) *syscallEntry {
	v, ok := c.entries.Load(syscallKey{tid, eventType})
	if !ok {
		return nil
	}
	return v.(*syscallEntry)
}

// pop removes and returns the pending entry, or nil
func (c *syscallCache) pop(tid uint32, eventType events.EventType) *syscallEntry {
	v, ok := c.entries.LoadAndDelete(syscallKey{tid, eventType})
	if !ok {
		return nil
	}
	return v.(*syscallEntry)
}

// size counts pending entries; used by engine teardown checks
func (c *syscallCache) size() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
