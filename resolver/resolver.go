// Package resolver implements the segmented path-resolution state machine.
// A walk from a leaf dentry toward the mount root is split into bounded
// invocations chained through tail calls; the continuation state lives in a
// per-thread map slot between invocations. On a terminal state the resolver
// dispatches a completion callback selected by a small integer id, which lets
// one resolver serve every syscall-specific monitor.
package resolver

import (
	"sync"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
	"github.com/jnesss/fim-recorder/ring"
)

const (
	// MaxSegmentsPerRun is the bounded-execution ceiling: path components
	// processed in one invocation before the walk must hand itself off.
	MaxSegmentsPerRun = 16

	// MaxResolutionTailCalls bounds one resolution chain, leaving headroom
	// under the host budget for the completion callback dispatch.
	MaxResolutionTailCalls = 29

	// MaxPathDepth is the deepest path a single resolution can cover
	MaxPathDepth = MaxSegmentsPerRun * MaxResolutionTailCalls
)

// Terminal return codes carried to completion callbacks
const (
	// DentryResolved means the walk reached the mount root (Done)
	DentryResolved int32 = 0
	// DentryDiscarded means a mid-walk discarder matched (Discarded)
	DentryDiscarded int32 = -1
	// DentryError means the walk could not reach the root (Error)
	DentryError int32 = -2
)

// State is the continuation record for one resolution chain. It is owned by
// the chain: stored when the chain starts, updated between invocations,
// deleted when a terminal state is reached, and never read afterwards.
type State struct {
	Dentry        host.DentryRef
	Key           events.PathKey
	DiscarderType events.EventType
	CallbackID    int
	Iteration     int
	Ret           int32
	SegStart      uint32

	// Cookie travels to the completion callback untouched. Exit-side
	// monitors use it to hand their popped cache entry to the callback.
	Cookie interface{}
}

// AbortHandler is invoked synchronously when a chain cannot dispatch its
// completion callback. The owner must treat the path as unattributed and
// release whatever the callback would have released.
type AbortHandler func(ctx *host.Context, st *State)

// Resolver is the shared dentry resolution engine
type Resolver struct {
	mem        host.Memory
	cache      *Cache
	paths      *ring.PathRing
	discarders *policy.InodeDiscarders
	table      *host.ProgTable
	progKey    int
	onAbort    AbortHandler
	states     sync.Map // tid -> *State
}

// New creates a resolver and registers its continuation program under progKey
func New(mem host.Memory, cache *Cache, paths *ring.PathRing, discarders *policy.InodeDiscarders, table *host.ProgTable, progKey int) *Resolver {
	r := &Resolver{
		mem:        mem,
		cache:      cache,
		paths:      paths,
		discarders: discarders,
		table:      table,
		progKey:    progKey,
	}
	table.Register(progKey, r.program)
	return r
}

// SetAbortHandler installs the unresumable-chain handler
func (r *Resolver) SetAbortHandler(handler AbortHandler) {
	r.onAbort = handler
}

// Start begins a resolution chain on the calling context's thread. If the
// continuation cannot be issued no callback will ever run; the caller must
// treat the path as unattributed and still reclaim its cache entry.
func (r *Resolver) Start(ctx *host.Context, st *State) error {
	st.Iteration = 0
	st.Ret = DentryResolved
	st.SegStart = r.paths.CPU(ctx.CPU).Cursor()
	r.states.Store(ctx.TID, st)
	if err := ctx.TailCall(r.progKey); err != nil {
		r.states.Delete(ctx.TID)
		return err
	}
	return nil
}

// program is one bounded invocation of the walk
func (r *Resolver) program(ctx *host.Context) int {
	v, ok := r.states.Load(ctx.TID)
	if !ok {
		return 0
	}
	st := v.(*State)
	pb := r.paths.CPU(ctx.CPU)

	for i := 0; i < MaxSegmentsPerRun; i++ {
		if st.Iteration >= MaxPathDepth {
			st.Ret = DentryError
			return r.finish(ctx, st)
		}

		if st.DiscarderType != events.EventUnknown &&
			r.discarders.IsDiscarded(st.Key.MountID, st.Key.Inode, st.DiscarderType) {
			st.Ret = DentryDiscarded
			return r.finish(ctx, st)
		}

		var name string
		var parent events.PathKey
		var parentRef host.DentryRef
		var atRoot bool

		if entry, cached := r.cache.Get(st.Key.MountID, st.Key.Inode); cached {
			// previously-resolved ancestor: no remote reads for this hop.
			// The parent ref keeps the walk alive if its entry was evicted.
			name = entry.Name
			parent = entry.Parent
			parentRef = entry.ParentRef
			atRoot = entry.Parent.IsNull()
		} else {
			if st.Dentry.IsNull() {
				// evicted mid-chain while finishing from the cache
				st.Ret = DentryError
				return r.finish(ctx, st)
			}
			view, err := r.mem.ReadDentry(st.Dentry)
			if err != nil {
				st.Ret = DentryError
				return r.finish(ctx, st)
			}
			if view.Parent.IsNull() {
				// the walk started at a mount root
				return r.finish(ctx, st)
			}
			pview, err := r.mem.ReadDentry(view.Parent)
			if err != nil {
				st.Ret = DentryError
				return r.finish(ctx, st)
			}
			name = view.Name
			parentRef = view.Parent
			atRoot = pview.Parent.IsNull()
			if !atRoot {
				parent = events.PathKey{Inode: pview.Inode, MountID: pview.MountID}
			}
			if !events.IsFakeInode(st.Key.Inode) {
				r.cache.Put(st.Key.MountID, st.Key.Inode, Entry{Parent: parent, ParentRef: view.Parent, Name: name})
			}
		}

		st.Iteration++
		pb.AppendSegment(name)

		if atRoot {
			return r.finish(ctx, st)
		}
		st.Key = parent
		st.Dentry = parentRef
	}

	// bounded-execution ceiling hit: hand off to a fresh invocation
	if err := ctx.TailCall(r.progKey); err != nil {
		st.Ret = DentryError
		r.states.Delete(ctx.TID)
		r.abort(ctx, st)
		return -1
	}
	return 0
}

// finish reaches a terminal state: publish the result on the context, drop
// the continuation record, then dispatch the completion callback.
func (r *Resolver) finish(ctx *host.Context, st *State) int {
	ctx.Resolver = host.ResolverResult{
		Ret:     st.Ret,
		Key:     st.Key,
		PathRef: r.paths.CPU(ctx.CPU).Ref(st.SegStart, ctx.CPU),
		Cookie:  st.Cookie,
	}
	r.states.Delete(ctx.TID)
	if err := ctx.TailCall(st.CallbackID); err != nil {
		r.abort(ctx, st)
		return -1
	}
	return 0
}

func (r *Resolver) abort(ctx *host.Context, st *State) {
	if r.onAbort != nil {
		r.onAbort(ctx, st)
	}
}

// Invalidate marks the inode's cached path stale and drops any discarder for
// it. Invoked after mutating operations regardless of event discard status.
func (r *Resolver) Invalidate(mountID uint32, inode uint64) {
	r.cache.Invalidate(mountID, inode)
	r.discarders.Remove(mountID, inode)
}
