package probe

import (
	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
	"github.com/jnesss/fim-recorder/resolver"
)

// traceSysLink is the shared entry path for link and linkat. The process
// check runs before any allocation: a match means the whole instance is
// skipped and no cache entry ever exists.
func (p *Probe) traceSysLink(ctx *host.Context, async bool) int {
	pol := p.policy.FetchPolicy(events.EventLink)
	if p.policy.IsDiscardedByProcess(pol.Mode, events.EventLink, ctx.PID, ctx.Comm) {
		return 0
	}

	p.syscalls.push(ctx.TID, &syscallEntry{
		eventType: events.EventLink,
		policy:    pol,
		async:     async,
		link:      &linkArgs{},
	})
	return 0
}

// SysLinkEnter handles the syscall-entry interception for link/linkat
func (p *Probe) SysLinkEnter(ctx *host.Context) int {
	return p.traceSysLink(ctx, false)
}

// DoLinkat covers link operations entering through the kernel function
// directly, with no syscall entry on this thread: io_uring and the like.
func (p *Probe) DoLinkat(ctx *host.Context) int {
	if p.syscalls.peek(ctx.TID, events.EventLink) == nil {
		return p.traceSysLink(ctx, true)
	}
	return 0
}

// VfsLink is the intermediate kernel-function probe where both dentries
// become visible. It captures identities, runs the approver tables, fills
// metadata and kicks off resolution of the source path.
func (p *Probe) VfsLink(ctx *host.Context, src, target host.DentryRef) int {
	entry := p.syscalls.peek(ctx.TID, events.EventLink)
	if entry == nil {
		return 0
	}

	if !entry.link.targetDentry.IsNull() {
		// the kernel function re-entered for the same call
		return 0
	}
	entry.link.srcDentry = src
	entry.link.targetDentry = target

	view, err := p.mem.ReadDentry(src)
	if err != nil {
		// unattributable; the exit probe still reclaims the entry
		entry.failed = true
		return 0
	}

	entry.link.srcFile.Key = events.PathKey{
		Inode:   view.Inode,
		MountID: view.MountID,
		PathID:  p.cache.Generation(view.MountID, view.Inode),
	}

	if p.policy.FilterSyscall(events.EventLink, policy.FilterValues{Basename: view.Name}) {
		return p.markAsDiscarded(entry)
	}

	entry.link.srcFile.Metadata = metadataFromView(view)
	entry.link.targetFile.Metadata = entry.link.srcFile.Metadata

	// hard link: same inode, same mount. The target gets a synthetic key so
	// the two records stay distinguishable until the real inode is observed.
	entry.link.targetFile.Key = events.PathKey{
		Inode:   events.NewFakeInode(),
		MountID: view.MountID,
	}
	if view.UpperLayer {
		entry.link.targetFile.Flags |= events.FlagUpperLayer
	}

	discarderType := events.EventUnknown
	if entry.policy.Mode != policy.NoFilter {
		discarderType = events.EventLink
	}

	st := &resolver.State{
		Dentry:        src,
		Key:           entry.link.srcFile.Key,
		DiscarderType: discarderType,
		CallbackID:    ProgLinkSrcCallback,
	}
	if err := p.resolver.Start(ctx, st); err != nil {
		// source path cannot be attributed; exit still pops the entry
		entry.failed = true
	}
	return 0
}

// linkSrcCallback completes the source-path resolution
func (p *Probe) linkSrcCallback(ctx *host.Context) int {
	entry := p.syscalls.peek(ctx.TID, events.EventLink)
	if entry == nil {
		return 0
	}

	entry.link.srcFile.PathRef = ctx.Resolver.PathRef

	if ctx.Resolver.Ret == resolver.DentryDiscarded {
		p.policy.MonitorDiscarded(events.EventLink)
		return p.markAsDiscarded(entry)
	}
	if ctx.Resolver.Ret == resolver.DentryError {
		// the source path could not be attributed; drop the event but keep
		// the entry tracked so exit-side bookkeeping still runs
		entry.failed = true
	}
	return 0
}

// SysLinkExit handles the syscall-exit interception. The pop is
// unconditional: every entry pushed at syscall entry is reclaimed here
// exactly once, whatever the outcome.
func (p *Probe) SysLinkExit(ctx *host.Context, retval int64) int {
	entry := p.syscalls.pop(ctx.TID, events.EventLink)
	if entry == nil {
		return 0
	}
	if IsUnhandledError(retval) {
		return 0
	}

	passToUserspace := !entry.discarded && !entry.failed && p.policy.EventEnabled(events.EventLink)

	// a hard link bumps the nlink counter, so the cached path for the
	// source inode is stale from here on; this runs even for discarded
	// instances
	if retval >= 0 {
		p.invalidateInode(entry.link.srcFile.Key.MountID, entry.link.srcFile.Key.Inode)
	}

	if passToUserspace {
		ctx.Retval = retval
		st := &resolver.State{
			Dentry:     entry.link.targetDentry,
			Key:        entry.link.targetFile.Key,
			CallbackID: ProgLinkDstCallback,
			Cookie:     entry,
		}
		if err := p.resolver.Start(ctx, st); err != nil {
			// the continuation could not be issued; the path cannot be
			// attributed and the event is dropped
			p.policy.MonitorDiscarded(events.EventLink)
		}
	}
	return 0
}

// linkDstCallback completes the target-path resolution and emits the event
func (p *Probe) linkDstCallback(ctx *host.Context) int {
	entry, ok := ctx.Resolver.Cookie.(*syscallEntry)
	if !ok || entry == nil {
		return 0
	}
	if ctx.Resolver.Ret != resolver.DentryResolved {
		return 0
	}

	entry.link.targetFile.PathRef = ctx.Resolver.PathRef

	evt := events.LinkEvent{
		Header: events.Header{
			Type:      uint32(events.EventLink),
			Timestamp: p.now(),
		},
		Retval: ctx.Retval,
		Source: entry.link.srcFile,
		Target: entry.link.targetFile,
	}
	if entry.async {
		evt.Header.Flags |= events.FlagAsync
	}
	p.fillProcessContext(ctx, &evt.Process)
	p.fillContainerContext(ctx, &evt.Container)
	p.fillSpanContext(ctx, &evt.Span)

	p.sendEvent(&evt)
	return 0
}
