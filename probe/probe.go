// Package probe is the coordination engine: it correlates syscall entry and
// exit within one kernel execution context, drives the segmented path
// resolver for the kernel objects each call touches, applies policy-based
// filtering, invalidates stale cached paths after mutating operations, and
// emits one enriched audit event per accepted syscall instance.
package probe

import (
	"time"

	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
	"github.com/jnesss/fim-recorder/process"
	"github.com/jnesss/fim-recorder/resolver"
	"github.com/jnesss/fim-recorder/ring"
)

// Program table keys. The dentry resolver dispatches completion callbacks
// through these, so one resolver serves every monitor.
const (
	ProgDentryResolver = iota + 1
	ProgLinkSrcCallback
	ProgLinkDstCallback
	ProgUnlinkCallback
)

// Handled errno values: denied operations are still reported, every other
// failure is irrelevant to monitoring.
const (
	errnoPerm   = 1
	errnoAccess = 13
)

// IsUnhandledError reports whether a syscall return value is irrelevant to
// monitoring; processing for the instance is aborted, no event is built, but
// cache bookkeeping still runs.
func IsUnhandledError(retval int64) bool {
	return retval < 0 && retval != -errnoPerm && retval != -errnoAccess
}

// Options configures an engine
type Options struct {
	// CPUs sizes the per-CPU path buffers; defaults to 1
	CPUs int
	// PathBufferSize is the per-CPU path buffer capacity in bytes
	PathBufferSize int
	// OutputSize is the output ring capacity in records
	OutputSize int
	// Now overrides the event timestamp source, mainly for tests
	Now func() uint64
}

func (o *Options) defaults() {
	if o.CPUs <= 0 {
		o.CPUs = 1
	}
	if o.PathBufferSize <= 0 {
		o.PathBufferSize = 64 * 1024
	}
	if o.OutputSize <= 0 {
		o.OutputSize = 4096
	}
	if o.Now == nil {
		o.Now = func() uint64 { return uint64(time.Now().UnixNano()) }
	}
}

// Probe is the engine instance. All shared state hangs off it; it is
// initialized at engine start and cleared at engine stop, never assumed
// zero-initialized per event.
type Probe struct {
	mem      host.Memory
	table    *host.ProgTable
	policy   *policy.Engine
	inodes   *policy.InodeDiscarders
	cache    *resolver.Cache
	resolver *resolver.Resolver
	paths    *ring.PathRing
	out      *ring.Buffer
	procs    *process.Map
	spans    *process.SpanCache
	syscalls syscallCache
	now      func() uint64
}

// NewProbe wires an engine against the given kernel object reader
func NewProbe(mem host.Memory, policyEngine *policy.Engine, opts Options) *Probe {
	opts.defaults()

	table := host.NewProgTable()
	inodes := policy.NewInodeDiscarders()
	cache := resolver.NewCache()
	paths := ring.NewPathRing(opts.CPUs, opts.PathBufferSize)

	p := &Probe{
		mem:    mem,
		table:  table,
		policy: policyEngine,
		inodes: inodes,
		cache:  cache,
		paths:  paths,
		out:    ring.NewBuffer(opts.OutputSize),
		procs:  process.NewMap(),
		spans:  process.NewSpanCache(),
		now:    opts.Now,
	}
	p.resolver = resolver.New(mem, cache, paths, inodes, table, ProgDentryResolver)
	p.resolver.SetAbortHandler(p.resolverAborted)

	table.Register(ProgLinkSrcCallback, p.linkSrcCallback)
	table.Register(ProgLinkDstCallback, p.linkDstCallback)
	table.Register(ProgUnlinkCallback, p.unlinkCallback)

	return p
}

// NewContext creates an execution context bound to this engine's program
// table, one per kernel event.
func (p *Probe) NewContext(pid, tid uint32, cpu int, comm string) *host.Context {
	return host.NewContext(p.table, pid, tid, cpu, comm)
}

// Output is the ring buffer the consumer drains
func (p *Probe) Output() *ring.Buffer {
	return p.out
}

// Paths is the shared path-component ring referenced by emitted records
func (p *Probe) Paths() *ring.PathRing {
	return p.paths
}

// Processes is the process-context cache populated by external collectors
func (p *Probe) Processes() *process.Map {
	return p.procs
}

// Spans is the tracing span cache populated by the tracer shim
func (p *Probe) Spans() *process.SpanCache {
	return p.spans
}

// InodeDiscarders is the table the resolver consults mid-walk
func (p *Probe) InodeDiscarders() *policy.InodeDiscarders {
	return p.inodes
}

// ResolveCachedPath rebuilds a path from the shortcut cache, for consumers
func (p *Probe) ResolveCachedPath(mountID uint32, inode uint64) (string, error) {
	return p.cache.ResolveFromCache(mountID, inode)
}

// PendingSyscalls counts in-flight cache entries; it must drain to zero when
// the monitored threads quiesce.
func (p *Probe) PendingSyscalls() int {
	return p.syscalls.size()
}

// invalidateInode marks the cached path for an inode stale. Runs after every
// mutating operation, discarded or not.
func (p *Probe) invalidateInode(mountID uint32, inode uint64) {
	p.resolver.Invalidate(mountID, inode)
}

// resolverAborted runs when a continuation chain dies without dispatching its
// callback. Exit-side chains own the popped entry through the cookie, so
// there is nothing left to reclaim; mid-call chains leave their entry for the
// exit probe, which pops unconditionally.
func (p *Probe) resolverAborted(ctx *host.Context, st *resolver.State) {
	if entry, ok := st.Cookie.(*syscallEntry); ok && entry != nil {
		p.policy.MonitorDiscarded(entry.eventType)
	}
}

// markAsDiscarded flags the entry so no event is emitted for it. The entry
// itself stays tracked: side effects such as inode invalidation still apply.
func (p *Probe) markAsDiscarded(entry *syscallEntry) int {
	entry.discarded = true
	return 0
}

func metadataFromView(view host.DentryView) events.FileMetadata {
	return events.FileMetadata{
		Mode:  view.Mode,
		UID:   view.UID,
		GID:   view.GID,
		CTime: view.CTime,
		MTime: view.MTime,
	}
}
