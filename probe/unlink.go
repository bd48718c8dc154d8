package probe

import (
	"github.com/jnesss/fim-recorder/events"
	"github.com/jnesss/fim-recorder/host"
	"github.com/jnesss/fim-recorder/policy"
	"github.com/jnesss/fim-recorder/resolver"
)

// traceSysUnlink is the shared entry path for unlink, unlinkat and rmdir
// routed as unlinkat.
func (p *Probe) traceSysUnlink(ctx *host.Context, async bool, flags uint32) int {
	pol := p.policy.FetchPolicy(events.EventUnlink)
	if p.policy.IsDiscardedByProcess(pol.Mode, events.EventUnlink, ctx.PID, ctx.Comm) {
		return 0
	}

	p.syscalls.push(ctx.TID, &syscallEntry{
		eventType: events.EventUnlink,
		policy:    pol,
		async:     async,
		unlink:    &unlinkArgs{flags: flags},
	})
	return 0
}

// SysUnlinkEnter handles the syscall-entry interception for unlink/unlinkat
func (p *Probe) SysUnlinkEnter(ctx *host.Context, flags uint32) int {
	return p.traceSysUnlink(ctx, false, flags)
}

// DoUnlinkat covers unlink operations with no syscall entry on this thread
func (p *Probe) DoUnlinkat(ctx *host.Context, flags uint32) int {
	if p.syscalls.peek(ctx.TID, events.EventUnlink) == nil {
		return p.traceSysUnlink(ctx, true, flags)
	}
	return 0
}

// VfsUnlink captures the dentry about to be unlinked and resolves its path
// before the kernel tears the dentry down.
func (p *Probe) VfsUnlink(ctx *host.Context, dentry host.DentryRef) int {
	entry := p.syscalls.peek(ctx.TID, events.EventUnlink)
	if entry == nil {
		return 0
	}
	if !entry.unlink.dentry.IsNull() {
		return 0
	}
	entry.unlink.dentry = dentry

	view, err := p.mem.ReadDentry(dentry)
	if err != nil {
		entry.failed = true
		return 0
	}

	entry.unlink.file.Key = events.PathKey{
		Inode:   view.Inode,
		MountID: view.MountID,
		PathID:  p.cache.Generation(view.MountID, view.Inode),
	}

	if p.policy.FilterSyscall(events.EventUnlink, policy.FilterValues{Basename: view.Name}) {
		return p.markAsDiscarded(entry)
	}

	entry.unlink.file.Metadata = metadataFromView(view)
	if view.UpperLayer {
		entry.unlink.file.Flags |= events.FlagUpperLayer
	}

	discarderType := events.EventUnknown
	if entry.policy.Mode != policy.NoFilter {
		discarderType = events.EventUnlink
	}

	st := &resolver.State{
		Dentry:        dentry,
		Key:           entry.unlink.file.Key,
		DiscarderType: discarderType,
		CallbackID:    ProgUnlinkCallback,
	}
	if err := p.resolver.Start(ctx, st); err != nil {
		entry.failed = true
	}
	return 0
}

// unlinkCallback completes the path resolution for the pending unlink
func (p *Probe) unlinkCallback(ctx *host.Context) int {
	entry := p.syscalls.peek(ctx.TID, events.EventUnlink)
	if entry == nil {
		return 0
	}

	entry.unlink.file.PathRef = ctx.Resolver.PathRef

	switch ctx.Resolver.Ret {
	case resolver.DentryDiscarded:
		p.policy.MonitorDiscarded(events.EventUnlink)
		return p.markAsDiscarded(entry)
	case resolver.DentryError:
		entry.failed = true
	}
	return 0
}

// SysUnlinkExit handles the syscall-exit interception; the path was resolved
// mid-call, so the event is assembled and emitted right here. The pop is
// unconditional.
func (p *Probe) SysUnlinkExit(ctx *host.Context, retval int64) int {
	entry := p.syscalls.pop(ctx.TID, events.EventUnlink)
	if entry == nil {
		return 0
	}
	if IsUnhandledError(retval) {
		return 0
	}

	// the unlink dropped a link count or removed the inode outright
	if retval >= 0 && !entry.unlink.file.Key.IsNull() {
		p.invalidateInode(entry.unlink.file.Key.MountID, entry.unlink.file.Key.Inode)
	}

	if entry.discarded || entry.failed || !p.policy.EventEnabled(events.EventUnlink) {
		return 0
	}

	evt := events.UnlinkEvent{
		Header: events.Header{
			Type:      uint32(events.EventUnlink),
			Timestamp: p.now(),
		},
		Retval: retval,
		File:   entry.unlink.file,
		Flags:  entry.unlink.flags,
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
