// Package host models the execution environment the engine runs in: one
// run-to-completion context per kernel event, a tail-call program table for
// continuations, and a narrow fallible capability for reading kernel objects
// through opaque handles.
package host

import (
	"errors"
	"sync"

	"github.com/jnesss/fim-recorder/events"
)

// MaxTailCalls is the hard per-chain continuation budget. A chain that needs
// more must be treated as failed by its owner.
const MaxTailCalls = 32

// ErrTailCallFailed is returned when a continuation cannot be issued, either
// because the target program slot is empty or the chain budget is exhausted.
var ErrTailCallFailed = errors.New("tail call failed")

// ErrFault is returned when a remote object read cannot be served
var ErrFault = errors.New("fault reading remote object")

// DentryRef is an opaque handle to a kernel directory entry. It carries no
// ownership and may only be read through a Memory.
type DentryRef uint64

// IsNull returns true for the zero handle
func (r DentryRef) IsNull() bool { return r == 0 }

// DentryView is the validated snapshot of a directory entry read through a
// Memory. Parent is null for the root of a mount.
type DentryView struct {
	Name       string
	Parent     DentryRef
	Inode      uint64
	MountID    uint32
	Mode       uint32
	UID        uint32
	GID        uint32
	CTime      uint64
	MTime      uint64
	UpperLayer bool
}

// Memory reads kernel objects referenced by opaque handles. Reads can fail;
// callers must treat a fault as "this object cannot be attributed".
type Memory interface {
	ReadDentry(ref DentryRef) (DentryView, error)
}

// Program is an entry in the tail-call table
type Program func(ctx *Context) int

// ProgTable dispatches continuations and completion callbacks through small
// integer keys, so one shared resolver can serve every monitor.
type ProgTable struct {
	mu    sync.RWMutex
	progs map[int]Program
}

// NewProgTable creates an empty program table
func NewProgTable() *ProgTable {
	return &ProgTable{progs: make(map[int]Program)}
}

// Register installs a program under the given key, replacing any previous one
func (t *ProgTable) Register(key int, prog Program) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progs[key] = prog
}

func (t *ProgTable) lookup(key int) (Program, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prog, ok := t.progs[key]
	return prog, ok
}

// ResolverResult is filled by the path resolver right before it dispatches a
// completion callback. Callbacks must copy what they need; the slot is reused
// by the next resolution on this context.
type ResolverResult struct {
	Ret     int32
	Key     events.PathKey
	PathRef events.PathRef
	Cookie  interface{}
}

// Context is one independent kernel-event execution context. Handlers run to
// completion on it with no preemption; "suspension" is an explicit tail call
// into the program table.
type Context struct {
	PID  uint32
	TID  uint32
	CPU  int
	Comm string

	// Retval carries the syscall return value on exit-side chains
	Retval int64

	// Resolver is the completion slot for the path resolver
	Resolver ResolverResult

	table *ProgTable
	next  int
	calls int
}

// NewContext creates an execution context bound to a program table
func NewContext(table *ProgTable, pid, tid uint32, cpu int, comm string) *Context {
	return &Context{
		PID:   pid,
		TID:   tid,
		CPU:   cpu,
		Comm:  comm,
		table: table,
		next:  -1,
	}
}

// TailCall schedules the program under key to run when the current handler
// returns. At most one tail call can be pending; scheduling replaces the
// current handler rather than stacking on it.
func (c *Context) TailCall(key int) error {
	if c.calls >= MaxTailCalls {
		return ErrTailCallFailed
	}
	if _, ok := c.table.lookup(key); !ok {
		return ErrTailCallFailed
	}
	c.next = key
	return nil
}

// TailCalls returns the number of continuations taken on this context
func (c *Context) TailCalls() int {
	return c.calls
}

// Invoke runs one probe handler and drains any continuation chain it
// schedules. Each Invoke is a fresh kernel event: the chain budget resets.
func (c *Context) Invoke(fn Program) int {
	c.calls = 0
	c.next = -1
	rc := fn(c)
	for c.next >= 0 {
		key := c.next
		c.next = -1
		c.calls++
		prog, ok := c.table.lookup(key)
		if !ok {
			break
		}
		rc = prog(c)
	}
	return rc
}

// Run executes the program registered under key, draining its chain
func (c *Context) Run(key int) int {
	prog, ok := c.table.lookup(key)
	if !ok {
		return -1
	}
	return c.Invoke(prog)
}
