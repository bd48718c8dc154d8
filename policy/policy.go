// Package policy implements the filtering layer that keeps irrelevant events
// from ever reaching the consumer: per-event-type modes, process-level
// discarders checked before any cache allocation, approver/discarder value
// tables tested once kernel objects are captured, and inode discarders
// consulted mid-walk by the path resolver.
package policy

import (
	"sync/atomic"

	"github.com/jnesss/fim-recorder/events"
)

// Mode selects how the value tables are interpreted for an event type
type Mode uint8

const (
	// NoFilter passes everything through
	NoFilter Mode = iota
	// AllowList discards instances that match no approver
	AllowList
	// DenyList discards instances that match a discarder
	DenyList
)

func (m Mode) String() string {
	switch m {
	case AllowList:
		return "allow_list"
	case DenyList:
		return "deny_list"
	default:
		return "no_filter"
	}
}

// Policy is the per-event-type decision fetched at syscall entry
type Policy struct {
	Mode  Mode
	Flags uint8
}

// FilterValues carries the fields available when approvers run. Only the
// basename is known before resolution completes.
type FilterValues struct {
	Basename string
}

// tables is the immutable snapshot swapped in atomically on reload
type tables struct {
	policies       map[events.EventType]Policy
	pidDiscarders  map[uint32]uint64
	commDiscarders map[string]uint64
	basenames      map[events.EventType]map[string]struct{}
	enabled        uint64
}

func emptyTables() *tables {
	return &tables{
		policies:       make(map[events.EventType]Policy),
		pidDiscarders:  make(map[uint32]uint64),
		commDiscarders: make(map[string]uint64),
		basenames:      make(map[events.EventType]map[string]struct{}),
		enabled:        ^uint64(0),
	}
}

// Engine evaluates policy for the probe handlers. Lookups are wait-free; the
// whole table set is replaced in one atomic swap on reload.
type Engine struct {
	tables    atomic.Pointer[tables]
	discarded [16]atomic.Uint64
}

// NewEngine creates an engine with no filtering configured
func NewEngine() *Engine {
	e := &Engine{}
	e.tables.Store(emptyTables())
	return e
}

// FetchPolicy returns the policy for an event type
func (e *Engine) FetchPolicy(eventType events.EventType) Policy {
	return e.tables.Load().policies[eventType]
}

// EventEnabled reports whether events of this type should reach the consumer
func (e *Engine) EventEnabled(eventType events.EventType) bool {
	return e.tables.Load().enabled&eventType.Mask() != 0
}

// IsDiscardedByProcess is the early, cheap check run at syscall entry, before
// any cache entry is allocated. Process discarders only apply under DenyList;
// under AllowList the approvers decide once objects are captured.
func (e *Engine) IsDiscardedByProcess(mode Mode, eventType events.EventType, pid uint32, comm string) bool {
	if mode != DenyList {
		return false
	}
	t := e.tables.Load()
	if t.pidDiscarders[pid]&eventType.Mask() != 0 {
		return true
	}
	if t.commDiscarders[comm]&eventType.Mask() != 0 {
		return true
	}
	return false
}

// FilterSyscall runs the value tables against the captured fields and returns
// true if the instance should be discarded. Under DenyList a match discards;
// under AllowList a non-match discards.
func (e *Engine) FilterSyscall(eventType events.EventType, values FilterValues) bool {
	t := e.tables.Load()
	pol := t.policies[eventType]
	if pol.Mode == NoFilter {
		return false
	}
	_, match := t.basenames[eventType][values.Basename]
	if pol.Mode == DenyList {
		return match
	}
	return !match
}

// Policies returns a copy of the configured per-event-type policies, e.g.
// for pushing into kernel-side maps.
func (e *Engine) Policies() map[events.EventType]Policy {
	t := e.tables.Load()
	out := make(map[events.EventType]Policy, len(t.policies))
	for k, v := range t.policies {
		out[k] = v
	}
	return out
}

// EnabledMask returns the enabled-event bitmask
func (e *Engine) EnabledMask() uint64 {
	return e.tables.Load().enabled
}

// MonitorDiscarded counts an instance suppressed after capture
func (e *Engine) MonitorDiscarded(eventType events.EventType) {
	if int(eventType) < len(e.discarded) {
		e.discarded[eventType].Add(1)
	}
}

// DiscardedCount returns the suppression counter for an event type
func (e *Engine) DiscardedCount(eventType events.EventType) uint64 {
	if int(eventType) < len(e.discarded) {
		return e.discarded[eventType].Load()
	}
	return 0
}
